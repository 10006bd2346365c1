package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom"
	"github.com/nextlevelbuilder/wecomclaw/internal/config"
	"github.com/nextlevelbuilder/wecomclaw/internal/streamq"
	"github.com/nextlevelbuilder/wecomclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and WeCom credential health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("wecomclaw doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — env vars may still configure an account)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Validate: FAILED (%s)\n", err)
		return
	}
	fmt.Println("  Validate: OK")

	// Accounts: codec construction is the key-length and token check.
	ch, err := wecom.NewChannel(cfg, streamq.New(), nil, nil)
	if err != nil {
		fmt.Printf("  Accounts: BUILD FAILED (%s)\n", err)
		return
	}
	byName := make(map[string]*wecom.Account)
	for _, acct := range ch.Accounts() {
		byName[acct.Name()] = acct
	}

	list := cfg.AccountList()
	fmt.Println()
	fmt.Println("  Accounts:")
	for _, ac := range list {
		surfaces := "bot"
		if ac.Secret != "" {
			surfaces = "bot+app"
		}
		fmt.Printf("    %-16s corp=%s  mount=%s  surfaces=%s\n",
			ac.ResolvedName()+":", maskSecret(ac.CorpID), ac.BasePath, surfaces)
	}

	// Credential probes: one gettoken per app-enabled account, in parallel.
	type probeResult struct {
		skipped bool
		err     error
	}
	results := make([]probeResult, len(list))

	g, probeCtx := errgroup.WithContext(context.Background())
	for i, ac := range list {
		acct := byName[ac.ResolvedName()]
		if ac.Secret == "" || acct == nil {
			results[i].skipped = true
			continue
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(probeCtx, 10*time.Second)
			defer cancel()
			results[i].err = acct.ProbeCredentials(ctx)
			return nil
		})
	}
	g.Wait()

	fmt.Println()
	fmt.Println("  Credential probes:")
	for i, ac := range list {
		name := ac.ResolvedName() + ":"
		switch {
		case results[i].skipped:
			fmt.Printf("    %-16s bot-only (no corp secret, probe skipped)\n", name)
		case results[i].err != nil:
			fmt.Printf("    %-16s FAILED (%s)\n", name, results[i].err)
		default:
			fmt.Printf("    %-16s OK\n", name)
		}
	}

	// Upstream agent gateway
	agentCfg := cfg.AgentSnapshot()
	fmt.Println()
	fmt.Println("  Agent gateway:")
	fmt.Printf("    %-12s %s\n", "URL:", agentCfg.GatewayURL)
	fmt.Printf("    %-12s %s\n", "Agent:", agentCfg.DefaultAgentID)
	mediaDir := config.ExpandHome(agentCfg.MediaDir)
	fmt.Printf("    %-12s %s", "Media dir:", mediaDir)
	if _, err := os.Stat(mediaDir); err != nil {
		fmt.Println(" (will be created on first use)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// maskSecret keeps the first and last four characters of an identifier.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
