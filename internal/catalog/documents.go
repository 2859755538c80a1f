package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/bridgeaid/client/internal/apiclient"
	apperrors "github.com/bridgeaid/client/pkg/errors"
	"github.com/bridgeaid/client/pkg/validator"
)

// Document types the backend accepts.
const (
	DocPassport = "passport"
	DocPhoto    = "photo"
	DocCV       = "cv"
	DocContract = "contract"
	DocVisaForm = "visa_form"
	DocOther    = "other"
)

// maxUploadBytes caps the size of an uploaded file.
const maxUploadBytes = 25 << 20

// Documents are files attached to a user and optionally an application.
type Documents struct {
	Resource
}

// Upload describes a document to send.
type Upload struct {
	DocType string `json:"doc_type" validate:"required,oneof=passport photo cv contract visa_form other"`
	// Application optionally attaches the document to an application.
	Application string `json:"application,omitempty" validate:"omitempty,uuid"`
	FileName    string `json:"file_name" validate:"required"`
	// Metadata is sent as a JSON-encoded form field when set.
	Metadata map[string]any `json:"metadata,omitempty"`
	File     io.Reader      `json:"-"`
}

// Upload posts a multipart form with the file, its doc_type and the
// optional application id.
func (d *Documents) Upload(ctx context.Context, u Upload) (json.RawMessage, error) {
	if err := validator.Validate(u); err != nil {
		return nil, err
	}
	if u.File == nil {
		return nil, apperrors.InvalidInput("file is required")
	}

	contentType, body, err := encodeUpload(u)
	if err != nil {
		return nil, err
	}
	req := apiclient.NewRequest(http.MethodPost, d.collectionPath()).WithBody(contentType, body)
	return call(ctx, d.d, req)
}

// ForUser lists the signed-in user's documents.
func (d *Documents) ForUser(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, d.d, apiclient.NewRequest(http.MethodGet, "/users/documents/"))
}

// ForApplication lists the documents attached to one application.
func (d *Documents) ForApplication(ctx context.Context, applicationID string) (json.RawMessage, error) {
	return nested(ctx, d.d, "applications", applicationID, d.name)
}

func encodeUpload(u Upload) (string, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("doc_type", u.DocType); err != nil {
		return "", nil, fmt.Errorf("write doc_type: %w", err)
	}
	if u.Application != "" {
		if err := w.WriteField("application", u.Application); err != nil {
			return "", nil, fmt.Errorf("write application: %w", err)
		}
	}
	if len(u.Metadata) > 0 {
		meta, err := json.Marshal(u.Metadata)
		if err != nil {
			return "", nil, apperrors.InvalidInput(fmt.Sprintf("encode metadata: %v", err))
		}
		if err := w.WriteField("metadata", string(meta)); err != nil {
			return "", nil, fmt.Errorf("write metadata: %w", err)
		}
	}

	part, err := w.CreateFormFile("file", filepath.Base(u.FileName))
	if err != nil {
		return "", nil, fmt.Errorf("create file part: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(u.File, maxUploadBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", u.FileName, err)
	}
	if n > maxUploadBytes {
		return "", nil, apperrors.InvalidInput(fmt.Sprintf("%s is larger than %d MB", u.FileName, maxUploadBytes>>20))
	}

	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("close multipart body: %w", err)
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}
