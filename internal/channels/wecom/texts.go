package wecom

// User-facing strings for the Bot channel. WeCom deployments are
// Chinese-language workspaces, so the canned prompts are Chinese; accounts
// override the welcome and placeholder texts in config.
const (
	// defaultStreamPlaceholder is the first passive reply for a fresh
	// stream. WeCom renders "1" as a typing indicator.
	defaultStreamPlaceholder = "1"

	// textQueuedPlaceholder answers a message parked behind an active run.
	textQueuedPlaceholder = "已收到，已排队处理中..."

	// textMergedAck answers a message folded into an existing batch. The
	// ack stream keeps showing it until the batch completes.
	textMergedAck = "已收到，已合并排队处理中..."

	// textMergedDone closes ack streams once their batch finishes.
	textMergedDone = "已合并处理完成，请查看上一条回复。"

	// textCardSent replaces the stream content after a template card went
	// out through the response URL.
	textCardSent = "[已发送交互卡片]"

	// textTimeoutPrompt is written when a stream nears the platform's
	// six-minute passive window.
	textTimeoutPrompt = "回复时间较长，剩余内容将通过应用私信发送，请注意查收。"

	// textMediaFallbackPrompt is written when the agent produced a
	// non-image file, which the Bot stream cannot carry.
	textMediaFallbackPrompt = "文件将通过应用私信发送，请注意查收。"

	// textAppUnconfigured replaces the DM-fallback prompts when the
	// account has no corpsecret and cannot send DMs.
	textAppUnconfigured = "应用通道未配置，无法通过私信补发内容。请管理员在该账号配置中补全 secret 后重试。"

	// textUnauthorizedCommand explains how to unlock commands.
	textUnauthorizedCommand = "当前用户未获授权执行该指令。请管理员将 dm_policy 设为 open，或将你的账号加入 allow_from 列表。"

	// textResetAck acknowledges /new and /reset in Chinese; the runtime's
	// English ack is suppressed on the Bot side.
	textResetAck = "已开启新会话。"

	// textImagesSent confirms the local-image pre-intent shortcut.
	textImagesSent = "已发送图片。"

	// textMediaTooLarge reports an inbound download over media.max_bytes.
	textMediaTooLarge = "文件超出大小限制，未能处理。请调整 media.max_bytes 或发送较小的文件。"

	// textBinaryFileNotice goes to the agent in place of a preview when an
	// inbound file is not extractable text.
	textBinaryFileNotice = "（未附带文件内容预览：仅支持 txt/md/csv/json/log 等文本格式的内联预览，其他格式请通过保存路径读取。）"

	// textStreamNotFound finishes polls against unknown stream ids,
	// typically after a restart dropped the in-memory state.
	textStreamNotFound = "task not found"
)
