package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Attachment is a file to send along with a user message. Data wins over Path when both are set.
type Attachment struct {
	Filename  string
	MediaType string
	Path      string
	Data      []byte
}

func (a *Attachment) read() ([]byte, error) {
	if a.Data != nil {
		return a.Data, nil
	}
	if a.Path == "" {
		return nil, errors.Errorf("attachment %s has neither data nor path", a.Filename)
	}
	return os.ReadFile(a.Path)
}

func (a *Attachment) name() string {
	if a.Filename != "" {
		return a.Filename
	}
	return filepath.Base(a.Path)
}

func (a *Attachment) mediaType(data []byte) string {
	if a.MediaType != "" {
		return a.MediaType
	}
	if t := mime.TypeByExtension(filepath.Ext(a.name())); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// Uploader turns an attachment into a file part the backend can reference.
type Uploader interface {
	Upload(ctx context.Context, a *Attachment) (*conversation.FilePart, error)
}

// DataURLUploader inlines attachments as base64 data URLs.
type DataURLUploader struct{}

func (DataURLUploader) Upload(ctx context.Context, a *Attachment) (*conversation.FilePart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := a.read()
	if err != nil {
		return nil, err
	}
	mediaType := a.mediaType(data)
	return &conversation.FilePart{
		MediaType: mediaType,
		Filename:  a.name(),
		URL:       fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data)),
	}, nil
}

// HTTPUploader posts attachments as multipart forms. The server answers with the stored file's url.
type HTTPUploader struct {
	Endpoint string
	Client   *http.Client
}

type uploadResponse struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
	Filename  string `json:"filename"`
}

func (u *HTTPUploader) Upload(ctx context.Context, a *Attachment) (*conversation.FilePart, error) {
	data, err := a.read()
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", a.name())
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "could not upload %s", a.name())
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return nil, errors.Wrap(err, "could not decode upload response")
	}
	ret := &conversation.FilePart{
		MediaType: ur.MediaType,
		Filename:  ur.Filename,
		URL:       ur.URL,
	}
	if ret.MediaType == "" {
		ret.MediaType = a.mediaType(data)
	}
	if ret.Filename == "" {
		ret.Filename = a.name()
	}
	return ret, nil
}

// UploadAll uploads attachments concurrently. The result keeps the order of the input; the first
// failure cancels the remaining uploads.
func UploadAll(ctx context.Context, uploader Uploader, attachments []*Attachment) ([]*conversation.FilePart, error) {
	ret := make([]*conversation.FilePart, len(attachments))
	eg, ctx := errgroup.WithContext(ctx)
	for i, a := range attachments {
		i, a := i, a
		eg.Go(func() error {
			part, err := uploader.Upload(ctx, a)
			if err != nil {
				return err
			}
			log.Debug().Str("filename", part.Filename).Str("media_type", part.MediaType).Msg("uploaded attachment")
			ret[i] = part
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}
