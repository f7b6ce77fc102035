// Package stream interprets the framed event streams the chat endpoints
// return. The two variants speak the same framing but different event
// vocabularies: the old variant emits top-level events with text stages,
// the new variant nests everything under data.event.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/frame"
	"github.com/stepchat/yuewen/internal/logging"
)

// Kind classifies what a finished stream produced.
type Kind int

const (
	// KindEmpty means the stream completed without usable content.
	KindEmpty Kind = iota
	// KindText means the stream produced a text answer.
	KindText
	// KindImage means an image generation completed and ImageURL is set.
	KindImage
)

// Result is the interpreted outcome of one response stream.
type Result struct {
	Kind Kind
	// Text is the accumulated, normalized answer text.
	Text string
	// ImageURL is the generated image location when Kind is KindImage.
	ImageURL string
	// ImageFailure carries the reason when an image generation was detected
	// but its poll failed; the text answer is still usable.
	ImageFailure string
	// MessageID and ParentMessageID identify the exchange on the old
	// variant, for the share flow.
	MessageID       string
	ParentMessageID string
	// Truncated is set when the stream ended without a completion event but
	// text had already arrived.
	Truncated bool
}

// RemoteError is an explicit errorEvent from the service. It is terminal:
// nothing after it in the stream is trusted.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("service reported error: %s", e.Message)
}

// ErrEmptyStream reports a stream that ended without a completion event and
// without any content.
var ErrEmptyStream = errors.New("stream ended without completion or content")

// Poller resolves a detected image-generation task to its final URL.
type Poller interface {
	PollImage(ctx context.Context, creationID, recordID string) (string, error)
}

// Interpreter folds one response stream into a Result.
type Interpreter struct {
	variant api.Variant
	poller  Poller
	log     *slog.Logger
}

// New creates an interpreter for one stream. poller may be nil when image
// generation cannot occur (the old variant, or image pipelines disabled).
func New(variant api.Variant, poller Poller) *Interpreter {
	return &Interpreter{
		variant: variant,
		poller:  poller,
		log:     logging.WithVariant(logging.Stream(), string(variant)),
	}
}

// Consume reads the framed stream until EOF or a terminal event and returns
// the interpreted result. The reader is not closed.
func (it *Interpreter) Consume(ctx context.Context, r io.Reader) (*Result, error) {
	var (
		buf     []byte
		chunk   = make([]byte, 32*1024)
		res     = &Result{}
		text    strings.Builder
		done    bool
		sawAny  bool
		imgMeta gjson.Result
	)

	for !done {
		n, rerr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			frames, rest, derr := frame.DecodeAll(buf)
			var headerErr *frame.HeaderError
			if derr != nil && !errors.As(derr, &headerErr) {
				return nil, derr
			}
			buf = rest

			for _, f := range frames {
				if len(f.Payload) == 0 {
					continue
				}
				if !gjson.ValidBytes(f.Payload) {
					if !sawAny {
						return nil, fmt.Errorf("first frame is not valid JSON: %.100s", f.Payload)
					}
					it.log.Warn("skipping undecodable frame", "size", len(f.Payload))
					continue
				}
				sawAny = true

				var (
					d   bool
					err error
				)
				if it.variant == api.VariantNew {
					d, err = it.newEvent(ctx, gjson.GetBytes(f.Payload, "data.event"), res, &text, &imgMeta)
				} else {
					d = it.oldEvent(gjson.ParseBytes(f.Payload), res, &text)
				}
				if err != nil {
					return nil, err
				}
				if res.Kind == KindImage {
					res.Text = NormalizeText(text.String())
					return res, nil
				}
				// Frames already decoded behind a completion event are still
				// folded in; only reading stops.
				done = done || d
			}
			// A corrupt header past the decoded frames makes the rest of the
			// stream unreadable. Unless the answer already completed, there
			// is no realigning; surface it.
			if headerErr != nil && !done {
				return nil, fmt.Errorf("stream framing broken: %w", headerErr)
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				return nil, rerr
			}
			break
		}
	}

	// An image was uploaded and analysed but no text event carried the
	// answer: build one from the analysis payload.
	if text.Len() == 0 && imgMeta.Exists() {
		text.WriteString(imageAnalysisText(imgMeta))
	}

	res.Text = NormalizeText(text.String())
	if !done {
		if res.Text == "" {
			return nil, ErrEmptyStream
		}
		it.log.Warn("stream ended without completion event, keeping buffered text")
		res.Truncated = true
	}
	if res.Text != "" {
		res.Kind = KindText
	}
	return res, nil
}

// oldEvent folds one old-variant frame. Several events can share a frame, so
// every key is checked.
func (it *Interpreter) oldEvent(ev gjson.Result, res *Result, text *strings.Builder) (done bool) {
	if te := ev.Get("textEvent"); te.Exists() {
		stage := te.Get("stage").String()
		// Thinking output and any stage other than the solution are
		// progress noise, not the answer.
		if stage == "" || stage == "TEXT_STAGE_SOLUTION" {
			text.WriteString(te.Get("text").String())
		}
	}
	if se := ev.Get("startEvent"); se.Exists() {
		res.MessageID = se.Get("messageId").String()
		if pid := se.Get("parentMessageId").String(); pid != "" {
			res.ParentMessageID = pid
		}
	}
	return ev.Get("doneEvent").Exists()
}

// newEvent folds one new-variant event object.
func (it *Interpreter) newEvent(ctx context.Context, ev gjson.Result, res *Result, text *strings.Builder, imgMeta *gjson.Result) (done bool, err error) {
	switch {
	case ev.Get("textEvent").Exists():
		text.WriteString(ev.Get("textEvent.text").String())

	case ev.Get("reasoningEvent").Exists():
		// Reasoning traces are never shown.

	case ev.Get("pipelineEvent").Exists():
		pe := ev.Get("pipelineEvent")
		for _, out := range pe.Get("outputs").Array() {
			if t := out.Get("text").String(); strings.TrimSpace(t) != "" {
				text.WriteString(t)
			}
			if ia := out.Get("imageAnalysis"); ia.Exists() {
				*imgMeta = ia
			}
		}
		if t := pe.Get("output.text").String(); strings.TrimSpace(t) != "" {
			text.WriteString(t)
		}

	case ev.Get("errorEvent").Exists():
		msg := ev.Get("errorEvent.message").String()
		if msg == "" {
			msg = "unknown error"
		}
		return true, &RemoteError{Message: msg}

	case ev.Get("messageEvent").Exists():
		am := ev.Get("messageEvent.message.content.assistantMessage")
		if am.Exists() {
			if it.handleCreation(ctx, am, res) {
				return true, nil
			}
			if qa := am.Get("qa.content").String(); strings.TrimSpace(qa) != "" {
				text.WriteString(qa)
			}
		}

	case ev.Get("messageDoneEvent").Exists(), ev.Get("doneEvent").Exists():
		return true, nil

	case ev.Get("startEvent").Exists(), ev.Get("heartBeatEvent").Exists():
		// Lifecycle noise.
	}
	return false, nil
}

// handleCreation scans an assistant message for a pending or finished image
// generation task and, when one is found, polls it to completion. Reports
// whether the stream should stop.
func (it *Interpreter) handleCreation(ctx context.Context, am gjson.Result, res *Result) bool {
	creation := am.Get("creation")
	items := creation.Get("items").Array()
	if len(items) == 0 || it.poller == nil {
		return false
	}

	for _, item := range items {
		if !isImageCreation(item) {
			continue
		}
		creationID := item.Get("creationId").String()
		recordID := item.Get("firstCreationRecordId").String()
		if recordID == "" {
			recordID = creation.Get("firstCreationRecordId").String()
		}
		if creationID == "" || recordID == "" {
			continue
		}

		it.log.Info("image generation detected", "creation_id", creationID, "record_id", recordID)
		url, err := it.poller.PollImage(ctx, creationID, recordID)
		if err != nil {
			it.log.Warn("image generation poll failed", "error", err)
			res.ImageFailure = err.Error()
			return false
		}
		res.Kind = KindImage
		res.ImageURL = url
		return true
	}
	return false
}

// isImageCreation reports whether item is an image generation in a state
// worth polling.
func isImageCreation(item gjson.Result) bool {
	typ := item.Get("type").String()
	if typ != "CREATION_TYPE_GEN_IMAGE" && !strings.Contains(strings.ToLower(typ), "image") {
		return false
	}
	switch item.Get("state").String() {
	case "CREATION_STATE_PENDING", "CREATION_STATE_RUNNING", "CREATION_STATE_SUCCESS":
		return true
	}
	return false
}

// imageAnalysisText builds a readable answer from an imageAnalysis payload
// when no text event carried one.
func imageAnalysisText(ia gjson.Result) string {
	var parts []string
	if d := ia.Get("description").String(); d != "" {
		parts = append(parts, d)
	}
	if tags := ia.Get("tags").Array(); len(tags) > 0 {
		names := make([]string, 0, len(tags))
		for _, t := range tags {
			names = append(names, t.String())
		}
		parts = append(parts, "识别标签: "+strings.Join(names, ", "))
	}
	if objs := ia.Get("objects").Array(); len(objs) > 0 {
		names := make([]string, 0, len(objs))
		for _, o := range objs {
			if n := o.Get("name").String(); n != "" {
				names = append(names, n)
			}
		}
		if len(names) > 0 {
			parts = append(parts, "识别对象: "+strings.Join(names, ", "))
		}
	}
	if len(parts) == 0 {
		return "图片已成功分析，但没有可提取的文本内容。"
	}
	return strings.Join(parts, "\n\n")
}
