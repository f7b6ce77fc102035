// Package api builds variant-aware requests for the two remote service
// generations. The "old" generation lives on yuewen.cn under proto.* service
// namespaces; the "new" generation lives on stepfun.com under capy.* ones.
// The two are mutually exclusive: endpoints, headers and session id formats
// all differ by variant.
package api

import "fmt"

// Variant selects one of the two remote service generations.
type Variant string

const (
	// VariantOld is the yuewen.cn generation.
	VariantOld Variant = "old"
	// VariantNew is the stepfun.com generation.
	VariantNew Variant = "new"
)

// ParseVariant validates a variant string from config or user input.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantOld, VariantNew:
		return Variant(s), nil
	}
	return "", fmt.Errorf("unknown api variant %q", s)
}

// BaseURL returns the variant's production web origin.
func (v Variant) BaseURL() string {
	if v == VariantNew {
		return "https://www.stepfun.com"
	}
	return "https://yuewen.cn"
}

// Passport methods (same proto namespace on both hosts).
const (
	MethodRegisterDevice = "RegisterDevice"
	MethodSendVerifyCode = "SendVerifyCode"
	MethodSignIn         = "SignIn"
	MethodRefreshToken   = "RefreshToken"
)

// PassportPath returns the request path of a passport method.
func PassportPath(method string) string {
	return "/passport/proto.api.passport.v1.PassportService/" + method
}

// CreateSessionPath returns the variant's session creation path.
func (v Variant) CreateSessionPath() string {
	if v == VariantNew {
		return "/api/agent/capy.agent.v1.AgentService/CreateChatSession"
	}
	return "/api/proto.chat.v1.ChatService/CreateChat"
}

// SendMessagePath returns the variant's streaming send path.
func (v Variant) SendMessagePath() string {
	if v == VariantNew {
		return "/api/agent/capy.agent.v1.AgentService/ChatStream"
	}
	return "/api/proto.chat.v1.ChatMessageService/SendMessageStream"
}

// Preference paths (old variant only; the new variant carries model and
// search flags inside each message).
const (
	SetModelPath     = "/api/proto.user.v1.UserService/SetModelInUse"
	EnableSearchPath = "/api/proto.user.v1.UserService/EnableSearch"
	DeepThinkingPath = "/api/proto.user.v1.UserService/EnableLlmDeepThinking"
)

// UploadPath returns the image upload path. The old variant PUTs raw bytes to
// the storage path; the new variant POSTs multipart form data.
func (v Variant) UploadPath(fileName string) string {
	if v == VariantNew {
		return "/api/resource/image"
	}
	return "/api/storage?file_name=" + fileName
}

// Remaining single-variant paths.
const (
	// FileStatusPath checks an old-variant upload.
	FileStatusPath = "/api/proto.file.v1.FileService/GetFileStatus"
	// CreationPollPath is the new-variant image-generation long poll.
	CreationPollPath = "/api/capy.creation.v1.CreationService/GetCreationRecordResultStream"
	// ShareSelectPath selects old-variant messages for sharing.
	ShareSelectPath = "/api/proto.chat.v1.ChatService/ChatShareSelectMessage"
	// SharePosterPath renders the old-variant share poster.
	SharePosterPath = "/api/proto.shareposter.v1.SharePosterService/GenerateChatSharePoster"
)

// UploadedImageURL returns the public URL template for an uploaded file id.
func UploadedImageURL(fileID string) string {
	return "https://chat-image.stepfun.com/tos-cn-i-9xxiciwj9y/" + fileID + "~tplv-9xxiciwj9y-image.webp"
}
