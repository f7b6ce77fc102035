package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/retry"
)

const (
	// fileStatusReady is the remote's "upload processed" marker.
	fileStatusReady = 1

	fileStatusAttempts = 5
	fileStatusInterval = 500 * time.Millisecond
)

// uploadImage uploads a picture and returns the variant-shaped attachment
// list for the follow-up message.
func (e *Engine) uploadImage(ctx context.Context, img []byte, width, height int) ([]any, error) {
	if len(img) == 0 {
		return nil, errors.New("empty image data")
	}
	if e.client.Variant() == api.VariantNew {
		return e.uploadNew(ctx, img, width, height)
	}
	return e.uploadOld(ctx, img, width, height)
}

// uploadOld PUTs the raw bytes to the storage endpoint, then polls the file
// status until the server has processed them.
func (e *Engine) uploadOld(ctx context.Context, img []byte, width, height int) ([]any, error) {
	fileName := "n_v" + strings.ReplaceAll(uuid.NewString(), "-", "") + ".jpg"

	referer := e.client.BaseURL(api.VariantOld) + "/chats/"
	if _, id := e.sessions.Current(); id != "" {
		referer += id
	}
	var uploaded struct {
		ID string `json:"id"`
	}
	err := retry.Do(ctx, e.log, e.auth, func(ctx context.Context) error {
		// Rebuilt per attempt so a refreshed token reaches the retry.
		header := e.client.Headers(api.VariantOld, api.RequestOpts{
			Referer:     referer,
			ContentType: "image/jpeg",
		})
		header.Set("stepchat-meta-size", strconv.Itoa(len(img)))
		return e.client.Put(ctx, api.VariantOld,
			e.client.Endpoint(api.VariantOld, api.VariantOld.UploadPath(fileName)),
			img, header, &uploaded)
	})
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if uploaded.ID == "" {
		return nil, errors.New("upload response carries no file id")
	}

	if err := e.awaitFileReady(ctx, uploaded.ID); err != nil {
		return nil, err
	}

	return []any{map[string]any{
		"fileId": uploaded.ID,
		"type":   "image/jpeg",
		"width":  width,
		"height": height,
		"size":   len(img),
	}}, nil
}

// awaitFileReady polls the file status endpoint until the upload is
// processed or the server says to stop asking.
func (e *Engine) awaitFileReady(ctx context.Context, fileID string) error {
	for i := 0; i < fileStatusAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fileStatusInterval):
			}
		}

		var status struct {
			FileStatus      int  `json:"fileStatus"`
			NeedFurtherCall bool `json:"needFurtherCall"`
		}
		// Absent means the server wants another poll.
		status.NeedFurtherCall = true

		err := e.client.PostJSON(ctx, api.VariantOld,
			e.client.Endpoint(api.VariantOld, api.FileStatusPath),
			map[string]string{"id": fileID}, &status,
			api.RequestOpts{OasisMode: "2"})
		if err != nil {
			e.log.Warn("file status check failed", "attempt", i+1, "error", err)
			continue
		}
		if status.FileStatus == fileStatusReady {
			return nil
		}
		if !status.NeedFurtherCall {
			return fmt.Errorf("upload %s was not accepted (status %d)", fileID, status.FileStatus)
		}
	}
	return fmt.Errorf("upload %s never became ready", fileID)
}

// uploadNew posts a multipart form to the resource endpoint and shapes the
// attachment around the returned resource id.
func (e *Engine) uploadNew(ctx context.Context, img []byte, width, height int) ([]any, error) {
	const mimeType = "image/jpeg"
	fileName := strings.ReplaceAll(uuid.NewString(), "-", "") + ".jpg"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(img); err != nil {
		return nil, err
	}
	if err := mw.WriteField("scene_id", "image"); err != nil {
		return nil, err
	}
	if err := mw.WriteField("mime_type", mimeType); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var uploaded struct {
		RID string `json:"rid"`
		URL string `json:"url"`
	}
	err = retry.Do(ctx, e.log, e.auth, func(ctx context.Context) error {
		return e.client.PostMultipart(ctx, api.VariantNew,
			e.client.Endpoint(api.VariantNew, api.VariantNew.UploadPath("")),
			mw.FormDataContentType(), bytes.NewReader(body.Bytes()), &uploaded)
	})
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if uploaded.RID == "" {
		return nil, errors.New("upload response carries no resource id")
	}

	url := uploaded.URL
	if url == "" {
		url = api.UploadedImageURL(uploaded.RID)
	}
	return []any{map[string]any{
		"resource": map[string]any{
			"image": map[string]any{
				"rid":      uploaded.RID,
				"url":      url,
				"meta":     map[string]int{"width": width, "height": height},
				"mimeType": mimeType,
			},
			"rid": uploaded.RID,
		},
	}}, nil
}
