// Package catalog names the backend operations: one thin wrapper per call
// that builds the path, method and body and hands it to the API client.
// Response bodies are returned as the backend sent them.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/bridgeaid/client/internal/apiclient"
	apperrors "github.com/bridgeaid/client/pkg/errors"
)

// Dispatcher sends a request to the backend. *apiclient.Client satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req apiclient.Request) (*apiclient.Response, error)
}

// Resource is a standard collection endpoint: list and create at
// /<name>/, retrieve, update and delete at /<name>/<uuid>/.
type Resource struct {
	d    Dispatcher
	name string
}

// NewResource returns the collection rooted at /<name>/.
func NewResource(d Dispatcher, name string) Resource {
	return Resource{d: d, name: name}
}

// Name returns the collection's path segment, e.g. "visa-cases".
func (r Resource) Name() string {
	return r.name
}

func (r Resource) collectionPath() string {
	return "/" + r.name + "/"
}

func (r Resource) itemPath(id string) (string, error) {
	if err := ValidateID(r.name, id); err != nil {
		return "", err
	}
	return "/" + r.name + "/" + id + "/", nil
}

// List returns the collection. q is passed through as filters; it may be nil.
func (r Resource) List(ctx context.Context, q url.Values) (json.RawMessage, error) {
	return call(ctx, r.d, apiclient.NewRequest(http.MethodGet, r.collectionPath()).WithQuery(q))
}

// Get returns one item.
func (r Resource) Get(ctx context.Context, id string) (json.RawMessage, error) {
	path, err := r.itemPath(id)
	if err != nil {
		return nil, err
	}
	return call(ctx, r.d, apiclient.NewRequest(http.MethodGet, path))
}

// Create posts body to the collection.
func (r Resource) Create(ctx context.Context, body any) (json.RawMessage, error) {
	return callJSON(ctx, r.d, http.MethodPost, r.collectionPath(), body)
}

// Update replaces an item with body.
func (r Resource) Update(ctx context.Context, id string, body any) (json.RawMessage, error) {
	path, err := r.itemPath(id)
	if err != nil {
		return nil, err
	}
	return callJSON(ctx, r.d, http.MethodPut, path, body)
}

// Patch updates the given fields of an item.
func (r Resource) Patch(ctx context.Context, id string, fields any) (json.RawMessage, error) {
	path, err := r.itemPath(id)
	if err != nil {
		return nil, err
	}
	return callJSON(ctx, r.d, http.MethodPatch, path, fields)
}

// Delete removes an item.
func (r Resource) Delete(ctx context.Context, id string) error {
	path, err := r.itemPath(id)
	if err != nil {
		return err
	}
	_, err = call(ctx, r.d, apiclient.NewRequest(http.MethodDelete, path))
	return err
}

// nested lists /<parent>/<id>/<child>/.
func nested(ctx context.Context, d Dispatcher, parent, id, child string) (json.RawMessage, error) {
	if err := ValidateID(parent, id); err != nil {
		return nil, err
	}
	return call(ctx, d, apiclient.NewRequest(http.MethodGet, "/"+parent+"/"+id+"/"+child+"/"))
}

// ValidateID rejects ids that are not hyphenated UUIDs before any request is
// made. All backend primary keys are UUIDs.
func ValidateID(resource, id string) error {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return apperrors.InvalidInput(fmt.Sprintf("%s id %q is not a valid UUID", resource, id))
	}
	return nil
}

func call(ctx context.Context, d Dispatcher, req apiclient.Request) (json.RawMessage, error) {
	resp, err := d.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.JSON(), nil
}

func callJSON(ctx context.Context, d Dispatcher, method, path string, body any) (json.RawMessage, error) {
	req, err := apiclient.JSONRequest(method, path, body)
	if err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}
	return call(ctx, d, req)
}
