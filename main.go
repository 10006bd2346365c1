package main

import "github.com/nextlevelbuilder/wecomclaw/cmd"

func main() {
	cmd.Execute()
}
