package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/store"
)

// command dispatches a built-in command. handled is false when content is an
// ordinary question.
func (e *Engine) command(ctx context.Context, content string, out Outbound) (reply string, handled bool) {
	cfg := e.store.Snapshot()

	switch content {
	case "打印模型":
		return e.modelList(cfg), true

	case "联网", "开启联网", "打开联网":
		return e.setNetwork(ctx, cfg, true), true

	case "不联网", "关闭联网", "禁用联网":
		return e.setNetwork(ctx, cfg, false), true

	case "新建会话":
		e.sessions.Reset()
		return "✅ 会话已重置，将在下一次对话创建新会话", true

	case "切换旧版", "使用旧版", "旧版API":
		return e.switchVariant(api.VariantOld), true

	case "切换新版", "使用新版", "新版API":
		return e.switchVariant(api.VariantNew), true

	case "分享", "share", "生成图片":
		return e.shareLast(ctx, out), true

	case "深度思考", "enable_deep_thinking", "思考模式":
		if cfg.APIVersion != string(api.VariantOld) {
			return "⚠️ 深度思考模式仅支持旧版API，请先发送'" + cfg.TriggerPrefix + "切换旧版'切换到旧版API", true
		}
		if err := e.sessions.EnableDeepThinking(ctx); err != nil {
			e.log.Warn("deep thinking toggle failed", "error", err)
			return "❌ 开启深度思考模式失败，请重试", true
		}
		return "✅ 已开启深度思考模式", true

	case "帮助", "help", "指令", "命令":
		return e.helpText(cfg), true
	}

	for _, p := range []string{"切换模型", "模型", "model"} {
		if strings.HasPrefix(content, p) {
			return e.switchModel(ctx, cfg, strings.TrimSpace(strings.TrimPrefix(content, p))), true
		}
	}
	return "", false
}

func (e *Engine) modelList(cfg store.Config) string {
	lines := []string{"可用模型："}
	for _, m := range Models {
		status := ""
		if m.CanNetwork {
			status = "（支持联网）"
		}
		current := ""
		if m.ID == cfg.ModelID {
			current = " ← 当前使用"
		}
		lines = append(lines, fmt.Sprintf("%d. %s%s%s", m.Num, m.Name, status, current))
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) switchModel(ctx context.Context, cfg store.Config, arg string) string {
	if cfg.APIVersion != string(api.VariantOld) {
		return "⚠️ 切换模型功能仅支持旧版API，请先发送'" + cfg.TriggerPrefix + "切换旧版'切换到旧版API"
	}

	num, err := strconv.Atoi(arg)
	if err != nil {
		return e.modelList(cfg) + "\n\n使用方法：" + cfg.TriggerPrefix + "切换模型[编号] 进行切换"
	}
	m, ok := modelByNum(num)
	if !ok {
		return e.modelList(cfg) + "\n\n使用方法：" + cfg.TriggerPrefix + "切换模型[编号] 进行切换"
	}

	// deepseek r1 forces search on; models without search support force it
	// off.
	network := cfg.NetworkMode
	if m.ID == 6 {
		network = true
	} else if !m.CanNetwork {
		network = false
	}

	if err := e.store.Update(func(c *store.Config) {
		c.ModelID = m.ID
		c.NetworkMode = network
	}); err != nil {
		e.log.Warn("model preference save failed", "error", err)
	}

	e.sessions.Reset()
	if _, err := e.sessions.EnsureSession(ctx); err != nil {
		return fmt.Sprintf("⚠️ 已切换到 [%s]，但新会话创建失败，请手动发送'%s新建会话'", m.Name, cfg.TriggerPrefix)
	}
	if m.ID == 6 {
		if err := e.sessions.EnableDeepThinking(ctx); err != nil {
			e.log.Warn("deep thinking toggle failed", "error", err)
		}
	}
	if !m.CanNetwork && cfg.NetworkMode {
		return fmt.Sprintf("✅ 已切换到 [%s]，该模型不支持联网，已自动关闭联网功能", m.Name)
	}
	return fmt.Sprintf("✅ 已切换到 [%s]", m.Name)
}

func (e *Engine) setNetwork(ctx context.Context, cfg store.Config, enable bool) string {
	if enable {
		if m, ok := modelByID(cfg.ModelID); ok && !m.CanNetwork && cfg.APIVersion == string(api.VariantOld) {
			return fmt.Sprintf("❌ 当前模型 [%s] 不支持联网，请先切换到支持联网的模型", m.Name)
		}
		if cfg.NetworkMode {
			return "ℹ️ 联网模式已经开启"
		}
	} else if !cfg.NetworkMode {
		return "ℹ️ 联网模式已经关闭"
	}

	if err := e.store.Update(func(c *store.Config) { c.NetworkMode = enable }); err != nil {
		e.log.Warn("network preference save failed", "error", err)
	}
	// The old variant keeps the flag server-side; push it to the live chat.
	if cfg.APIVersion == string(api.VariantOld) {
		if err := e.sessions.EnableSearch(ctx, enable); err != nil {
			e.log.Warn("search sync failed", "error", err)
		}
	}
	if enable {
		return "✅ 已开启联网模式"
	}
	return "✅ 已关闭联网模式"
}

func (e *Engine) switchVariant(v api.Variant) string {
	cfg := e.store.Snapshot()
	if cfg.APIVersion == string(v) {
		if v == api.VariantOld {
			return "ℹ️ 已经是旧版API模式"
		}
		return "ℹ️ 已经是新版API模式"
	}
	if err := e.store.Update(func(c *store.Config) { c.APIVersion = string(v) }); err != nil {
		e.log.Warn("variant preference save failed", "error", err)
	}
	e.sessions.Reset()
	if v == api.VariantOld {
		return "✅ 已切换到旧版API模式，将在下一次对话创建新会话"
	}
	return "✅ 已切换到新版API模式，将在下一次对话创建新会话"
}

func (e *Engine) helpText(cfg store.Config) string {
	versionName := "旧版API"
	if cfg.APIVersion == string(api.VariantNew) {
		versionName = "新版API"
	}
	current := "未知"
	if m, ok := modelByID(cfg.ModelID); ok {
		current = fmt.Sprintf("%d.%s", m.Num, m.Name)
	}
	networkMark := " ✗"
	if cfg.NetworkMode {
		networkMark = " ✓"
	}
	p := cfg.TriggerPrefix
	return fmt.Sprintf(`📚 跃问AI助手指令 (当前: %s)：

【通用指令】
1. %s [问题] - 向AI提问
2. %s登录 - 重新登录账号
3. %s联网/不联网 - 开启/关闭联网功能
4. %s新建会话 - 开始新的对话
5. %s切换旧版/新版 - 切换API版本
6. %s%s [描述] - 发送图片让AI分析

【仅限旧版API功能】
7. %s切换模型[编号] - 切换AI模型 (当前：%s)
8. %s打印模型 - 显示所有可用模型
9. %s分享 - 生成对话分享图片
10. %s深度思考 - 启用思考模式

当前状态：联网%s`,
		versionName, p, p, p, p, p, p, cfg.Image.Trigger,
		p, current, p, p, p, networkMark)
}
