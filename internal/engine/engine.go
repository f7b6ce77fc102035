// Package engine is the conversational front: it routes inbound messages to
// the login flow, the built-in command table, the image-recognition flow, or
// the chat service, and formats replies the way the original assistant
// presented them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/auth"
	"github.com/stepchat/yuewen/internal/creation"
	"github.com/stepchat/yuewen/internal/frame"
	"github.com/stepchat/yuewen/internal/logging"
	"github.com/stepchat/yuewen/internal/retry"
	"github.com/stepchat/yuewen/internal/session"
	"github.com/stepchat/yuewen/internal/store"
	"github.com/stepchat/yuewen/internal/stream"
)

// Outbound delivers replies to wherever the conversation lives.
type Outbound interface {
	SendText(ctx context.Context, text string) error
	SendImage(ctx context.Context, url string) error
}

// Model describes one selectable model on the old variant.
type Model struct {
	Num        int
	Name       string
	ID         int
	CanNetwork bool
}

// Models is the old-variant model menu, keyed by the number users type.
var Models = []Model{
	{Num: 1, Name: "deepseek r1", ID: 6, CanNetwork: true},
	{Num: 2, Name: "Step2", ID: 2, CanNetwork: true},
	{Num: 3, Name: "Step-R mini", ID: 4, CanNetwork: false},
	{Num: 4, Name: "Step 2-文学大师版", ID: 5, CanNetwork: false},
}

// newVariantModelName is the fixed model the new variant answers with.
const newVariantModelName = "DeepSeek R1"

// shareWindow is how long the last exchange stays shareable.
const shareWindow = 180 * time.Second

func modelByID(id int) (Model, bool) {
	for _, m := range Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

func modelByNum(num int) (Model, bool) {
	for _, m := range Models {
		if m.Num == num {
			return m, true
		}
	}
	return Model{}, false
}

type loginPhase int

const (
	loginIdle loginPhase = iota
	loginAwaitingPhone
	loginAwaitingCode
)

// exchange records the last completed old-variant question/answer pair, for
// the share poster.
type exchange struct {
	chatID    string
	userMsgID string
	botMsgID  string
	at        time.Time
}

// Engine ties the whole client together. One engine serves one account; its
// methods serialize so a command cannot interleave with an in-flight answer.
type Engine struct {
	mu       sync.Mutex
	client   *api.Client
	store    *store.Store
	auth     *auth.Manager
	sessions *session.Controller
	poller   stream.Poller
	breaker  *retry.Breaker

	login        loginPhase
	loginPhone   string
	pendingImage string // image-recognition prompt awaiting a picture
	last         exchange

	streamTimeout time.Duration
	now           func() time.Time
	log           *slog.Logger
}

// New wires an engine from its parts.
func New(client *api.Client, authMgr *auth.Manager, sessions *session.Controller) *Engine {
	return &Engine{
		client:   client,
		store:    client.Store(),
		auth:     authMgr,
		sessions: sessions,
		poller:   creation.NewPoller(client),
		breaker:  retry.NewBreaker(3),

		streamTimeout: api.StreamTimeout,
		now:           time.Now,
		log:           logging.Engine(),
	}
}

var phoneRe = regexp.MustCompile(`1\d{10}`)

// HandleText routes one inbound text message. Messages without the trigger
// prefix are ignored; everything the engine has to say goes through out.
func (e *Engine) HandleText(ctx context.Context, text string, out Outbound) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.store.Snapshot()
	content, ok := strings.CutPrefix(strings.TrimSpace(text), cfg.TriggerPrefix)
	if !ok {
		// Mid-login, phone numbers and codes arrive bare.
		if e.login == loginIdle {
			return nil
		}
		content = strings.TrimSpace(text)
	} else {
		content = strings.TrimSpace(content)
	}

	// An in-progress login consumes phone numbers and codes before anything
	// else gets a look.
	if e.login == loginAwaitingPhone {
		if phone := phoneRe.FindString(content); phone != "" {
			return e.submitPhone(ctx, phone, out)
		}
	}
	if e.login == loginAwaitingCode && len(content) == 4 && isDigits(content) {
		return e.submitCode(ctx, content, out)
	}

	switch content {
	case "登录", "登陆", "login":
		return e.beginLogin(ctx, out)
	}

	if e.auth.NeedsLogin() {
		return out.SendText(ctx, "⚠️ 跃问账号未登录或已失效，请先发送\""+cfg.TriggerPrefix+"登录\"进行登录")
	}

	if reply, handled := e.command(ctx, content, out); handled {
		if reply == "" {
			return nil
		}
		return out.SendText(ctx, reply)
	}

	// Image recognition: the trigger arms the engine, the next picture fires
	// it.
	if rest, ok := strings.CutPrefix(content, cfg.Image.Trigger); ok {
		prompt := strings.TrimSpace(rest)
		if prompt == "" {
			prompt = cfg.Image.Prompt
		}
		e.pendingImage = prompt
		return out.SendText(ctx, "🖼 请发送一张图片")
	}

	if content == "" {
		return nil
	}
	return e.answer(ctx, content, nil, out)
}

// HandleImage routes one inbound picture. Pictures arriving without a prior
// image-recognition trigger are ignored.
func (e *Engine) HandleImage(ctx context.Context, img []byte, width, height int, out Outbound) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingImage == "" {
		return nil
	}
	prompt := e.pendingImage
	e.pendingImage = ""

	if e.auth.NeedsLogin() {
		return out.SendText(ctx, "⚠️ 跃问账号未登录或已失效，请先登录")
	}

	atts, err := e.uploadImage(ctx, img, width, height)
	if err != nil {
		e.log.Warn("image upload failed", "error", err)
		return out.SendText(ctx, "❌ 图片上传失败，请重试")
	}
	return e.answer(ctx, prompt, atts, out)
}

// answer sends one question through the chat pipeline and delivers the
// formatted reply.
func (e *Engine) answer(ctx context.Context, question string, atts []any, out Outbound) error {
	started := e.now()
	res, err := e.ask(ctx, question, atts)
	elapsed := e.now().Sub(started)

	if err != nil {
		// A rejected credential and an explicit service error say nothing
		// about the session's health; only hard failures count toward the
		// reset threshold.
		if errors.Is(err, retry.ErrNeedsLogin) {
			cfg := e.store.Snapshot()
			return out.SendText(ctx, "⚠️ 登录已失效，请发送\""+cfg.TriggerPrefix+"登录\"重新登录")
		}
		var re *stream.RemoteError
		if errors.As(err, &re) {
			return out.SendText(ctx, "错误: "+re.Message)
		}
		if e.breaker.Record(true) {
			e.log.Warn("error threshold reached, resetting session")
			e.sessions.Reset()
			return out.SendText(ctx, fmt.Sprintf("❌ 发送失败：%v (已达到错误阈值，已重置会话)", err))
		}
		return out.SendText(ctx, fmt.Sprintf("❌ 发送失败：%v", err))
	}
	e.breaker.Record(false)

	if res.Kind == stream.KindImage {
		if serr := out.SendImage(ctx, res.ImageURL); serr != nil {
			e.log.Warn("image delivery failed, falling back to link", "error", serr)
			return out.SendText(ctx, fmt.Sprintf("%s\n\n[图片: %s]", res.Text, res.ImageURL))
		}
		return nil
	}

	prefix := e.replyPrefix(elapsed, res.ImageFailure)
	body := res.Text
	if body == "" {
		return out.SendText(ctx, fmt.Sprintf("未收到有效回复（耗时%.2f秒），请尝试重新发送。", elapsed.Seconds()))
	}
	return out.SendText(ctx, prefix+body)
}

// ask runs the framed send/stream round trip, refreshing the token and
// retrying per the shared policy.
func (e *Engine) ask(ctx context.Context, question string, atts []any) (*stream.Result, error) {
	id, err := e.sessions.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	v := e.client.Variant()

	payload, err := e.sendPayload(v, id, question, atts)
	if err != nil {
		return nil, err
	}
	framed := frame.Encode(payload, 0)

	var res *stream.Result
	err = retry.Do(ctx, e.log, e.auth, func(ctx context.Context) error {
		// Each attempt gets its own streaming budget; a hung response must
		// not block the conversation forever.
		ctx, cancel := context.WithTimeout(ctx, e.streamTimeout)
		defer cancel()

		resp, err := e.client.PostStream(ctx, v,
			e.client.Endpoint(v, v.SendMessagePath()), framed,
			api.RequestOpts{
				OasisMode: "2",
				Referer:   e.client.BaseURL(v) + "/chats/" + id,
			})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var poller stream.Poller
		if v == api.VariantNew {
			poller = e.poller
		}
		res, err = stream.New(v, poller).Consume(ctx, resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.sessions.Touch()
	if v == api.VariantOld && res.MessageID != "" {
		e.last = exchange{
			chatID:    id,
			userMsgID: res.ParentMessageID,
			botMsgID:  res.MessageID,
			at:        e.now(),
		}
	}
	return res, nil
}

// sendPayload builds the variant-specific message body.
func (e *Engine) sendPayload(v api.Variant, sessionID, question string, atts []any) ([]byte, error) {
	cfg := e.store.Snapshot()
	if v == api.VariantNew {
		qa := map[string]any{"content": question}
		if len(atts) > 0 {
			qa["attachments"] = atts
		}
		return json.Marshal(map[string]any{
			"message": map[string]any{
				"chatSessionId": sessionID,
				"content": map[string]any{
					"userMessage": map[string]any{"qa": qa},
				},
			},
			"config": map[string]any{
				"model":           "deepseek-r1",
				"enableReasoning": true,
				"enableSearch":    cfg.NetworkMode,
			},
		})
	}

	info := map[string]any{
		"text":   question,
		"author": map[string]string{"role": "user"},
	}
	if len(atts) > 0 {
		info["attachments"] = atts
	}
	return json.Marshal(map[string]any{
		"chatId":      sessionID,
		"messageInfo": info,
		"messageMode": "SEND_MESSAGE",
		"modelId":     cfg.ModelID,
	})
}

// replyPrefix is the status line every text answer opens with.
func (e *Engine) replyPrefix(elapsed time.Duration, imageFailure string) string {
	cfg := e.store.Snapshot()
	name := newVariantModelName
	if e.client.Variant() == api.VariantOld {
		if m, ok := modelByID(cfg.ModelID); ok {
			name = m.Name
		} else {
			name = "未知模型"
		}
	}
	net := "未联网"
	if cfg.NetworkMode {
		net = "联网"
	}
	prefix := fmt.Sprintf("使用%s模型%s模式回答（耗时%.2f秒）：", name, net, elapsed.Seconds())
	if imageFailure != "" {
		prefix += imageFailure
	}
	return prefix
}

func (e *Engine) beginLogin(ctx context.Context, out Outbound) error {
	if e.auth.State() == auth.StateUnregistered {
		if err := e.auth.RegisterDevice(ctx); err != nil {
			e.log.Warn("device registration failed", "error", err)
			return out.SendText(ctx, "❌ 设备注册失败，请稍后重试")
		}
	}
	e.login = loginAwaitingPhone
	return out.SendText(ctx, "📱 请输入您的11位手机号码\n注意：此手机号将用于接收跃问的验证码")
}

func (e *Engine) submitPhone(ctx context.Context, phone string, out Outbound) error {
	if err := e.auth.SendVerificationCode(ctx, phone); err != nil {
		e.login = loginIdle
		e.log.Warn("verification code request failed", "error", err)
		return out.SendText(ctx, "❌ 验证码发送失败，请检查手机号是否正确或稍后重试")
	}
	e.login = loginAwaitingCode
	e.loginPhone = phone
	return out.SendText(ctx, "✅ 验证码已发送，请输入4位验证码")
}

func (e *Engine) submitCode(ctx context.Context, code string, out Outbound) error {
	phone := e.loginPhone
	e.login = loginIdle
	e.loginPhone = ""
	if err := e.auth.SignIn(ctx, phone, code); err != nil {
		cfg := e.store.Snapshot()
		e.log.Warn("sign-in failed", "error", err)
		return out.SendText(ctx, "❌ 验证码错误或已过期，请重新发送'"+cfg.TriggerPrefix+"登录'进行登录")
	}
	e.sessions.Reset()
	return out.SendText(ctx, "✅ 登录成功")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
