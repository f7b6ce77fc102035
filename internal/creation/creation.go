// Package creation polls the new-variant image generation service. A
// generation detected in a chat stream is identified by a creation id and a
// record id; the record result endpoint streams state frames until the
// record reaches a terminal state.
package creation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/frame"
	"github.com/stepchat/yuewen/internal/logging"
)

// GenerationError is a terminal non-success record state.
type GenerationError struct {
	State  string
	Reason string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("image generation failed: %s (%s)", e.State, e.Reason)
}

// ErrNoResult reports a stream that ended without a usable image URL.
var ErrNoResult = errors.New("generation stream ended without an image URL")

// Poller long-polls image generation records.
type Poller struct {
	client *api.Client
	log    *slog.Logger
}

// NewPoller creates a poller on client.
func NewPoller(client *api.Client) *Poller {
	return &Poller{client: client, log: logging.Creation()}
}

// PollImage blocks until the record succeeds, fails, or the poll budget runs
// out, and returns the image URL on success.
func (p *Poller) PollImage(ctx context.Context, creationID, recordID string) (string, error) {
	if creationID == "" || recordID == "" {
		return "", errors.New("missing creation or record id")
	}

	ctx, cancel := context.WithTimeout(ctx, api.PollTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"creationId":       creationID,
		"creationRecordId": recordID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode poll request: %w", err)
	}

	resp, err := p.client.PostStream(ctx, api.VariantNew,
		p.client.Endpoint(api.VariantNew, api.CreationPollPath),
		frame.Encode(payload, 0),
		api.RequestOpts{OasisMode: "2"})
	if err != nil {
		return "", fmt.Errorf("generation poll request failed: %w", err)
	}
	defer resp.Body.Close()

	p.log.Info("polling image generation", "creation_id", creationID, "record_id", recordID)

	var (
		buf   []byte
		chunk = make([]byte, 32*1024)
	)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frames, rest, derr := frame.DecodeAll(buf)
				buf = rest

				for _, f := range frames {
					url, done, ferr := p.recordFrame(f)
					if ferr != nil {
						return "", ferr
					}
					if done {
						return url, nil
					}
				}

				var he *frame.HeaderError
				if !errors.As(derr, &he) {
					break
				}
				// A corrupt header may just be a boundary glitch; skip one
				// byte and scan for the next plausible frame.
				p.log.Warn("corrupt poll frame header, skipping a byte",
					"flag", he.Flag, "length", he.Length)
				buf = buf[1:]
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return "", fmt.Errorf("generation poll timed out: %w", ctx.Err())
			}
			return "", rerr
		}
	}
	return "", ErrNoResult
}

// recordFrame inspects one poll frame. done is true when a success record
// with a URL was found; terminal failure states return a *GenerationError.
func (p *Poller) recordFrame(f frame.Frame) (url string, done bool, err error) {
	if len(f.Payload) == 0 {
		return "", false, nil
	}
	if !gjson.ValidBytes(f.Payload) {
		p.log.Warn("skipping undecodable poll frame", "size", len(f.Payload))
		return "", false, nil
	}

	record := gjson.GetBytes(f.Payload, "body.record")
	switch state := record.Get("state").String(); state {
	case "CREATION_RECORD_STATE_SUCCESS":
		url := record.Get("result.genImage.resources.0.resource.image.url").String()
		if url != "" {
			p.log.Info("image generation succeeded", "url", url)
			return url, true, nil
		}
		// A success record without resources yet; later frames may carry
		// them.
		return "", false, nil
	case "CREATION_RECORD_STATE_FAILED",
		"CREATION_RECORD_STATE_REJECTED",
		"CREATION_RECORD_STATE_CANCELED":
		reason := record.Get("failedReason").String()
		if reason == "" {
			reason = record.Get("rejectReason").String()
		}
		if reason == "" {
			reason = "unknown reason"
		}
		return "", false, &GenerationError{State: state, Reason: reason}
	}
	return "", false, nil
}
