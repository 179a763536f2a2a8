package simcloud

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/simcloud-ai/simcloud-go/pkg/resource"
)

// directory implements the request/response operations shared by every
// resource collection. Every snapshot it receives goes through the
// registry's GetOrCreate, so direct lookups and push events converge on the
// same live instances.
type directory struct {
	c    *Client
	reg  *resource.Registry
	path string
}

// Get fetches the resource by id. The returned instance is the single live
// one for that id; if it already existed its snapshot is refreshed.
func (d *directory) Get(ctx context.Context, id string) (*resource.Resource, error) {
	fields, err := d.c.getObject(ctx, "/"+d.path+"/"+id)
	if err != nil {
		return nil, err
	}
	return d.reg.GetOrCreate(fields)
}

// List fetches all resources in the collection, registering each.
func (d *directory) List(ctx context.Context) ([]*resource.Resource, error) {
	raw, err := d.c.do(ctx, http.MethodGet, "/"+d.path, nil)
	if err != nil {
		return nil, err
	}
	snapshots, err := decodeObjectList(raw)
	if err != nil {
		return nil, err
	}
	out := make([]*resource.Resource, 0, len(snapshots))
	for _, fields := range snapshots {
		r, err := d.reg.GetOrCreate(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Delete removes the resource on the server and unregisters the local
// instance, releasing any goroutine blocked waiting on it.
func (d *directory) Delete(ctx context.Context, id string) error {
	if _, err := d.c.do(ctx, http.MethodDelete, "/"+d.path+"/"+id, nil); err != nil {
		return err
	}
	d.reg.Remove(id)
	return nil
}

// create posts a payload to the collection and registers the returned
// snapshot.
func (d *directory) create(ctx context.Context, path string, payload any, opts ...resource.CreateOption) (*resource.Resource, error) {
	raw, err := d.c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	return d.reg.GetOrCreate(fields, opts...)
}

// GeometryDirectory accesses the geometries on the server.
type GeometryDirectory struct {
	directory
}

// Upload creates a geometry and sends its bytes. The returned resource's
// upload completes when the server confirms receipt through the event feed;
// processing starts only after that.
func (d *GeometryDirectory) Upload(ctx context.Context, name string, data io.Reader) (*resource.Resource, error) {
	geometry, err := d.create(ctx, "/geometries", map[string]any{"name": name},
		resource.UploadPending())
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/geometries/%s/data", geometry.ID())
	if _, err := d.c.doRaw(ctx, http.MethodPut, path, "application/octet-stream", data); err != nil {
		return nil, fmt.Errorf("upload geometry %s: %w", geometry.ID(), err)
	}
	return geometry, nil
}

// PredictionDirectory accesses the predictions on the server.
type PredictionDirectory struct {
	directory
}

// Run launches a prediction on a geometry. The returned resource is pending
// until the event feed reports the job's fate.
func (d *PredictionDirectory) Run(ctx context.Context, geometryID string, params map[string]any) (*resource.Resource, error) {
	path := fmt.Sprintf("/geometries/%s/predictions", geometryID)
	return d.create(ctx, path, params)
}

// PostProcessingDirectory accesses the post-processings on the server.
type PostProcessingDirectory struct {
	directory
}

// Run launches a post-processing of the given type on a prediction.
func (d *PostProcessingDirectory) Run(ctx context.Context, predictionID, kind string, params map[string]any) (*resource.Resource, error) {
	path := fmt.Sprintf("/predictions/%s/post-processings", predictionID)
	return d.create(ctx, path, map[string]any{"type": kind, "params": params})
}

// TrainingDataDirectory accesses the training data on the server.
type TrainingDataDirectory struct {
	directory
}

// Create registers a new, empty training data entry. Parts are uploaded
// through TrainingDataParts.
func (d *TrainingDataDirectory) Create(ctx context.Context, name string) (*resource.Resource, error) {
	return d.create(ctx, "/training-data", map[string]any{"name": name})
}

// Compute launches (or relaunches) extraction on a training data entry. A
// terminal entry is explicitly reset to pending first, so waiters started
// after this call block until the new run completes.
func (d *TrainingDataDirectory) Compute(ctx context.Context, id string) (*resource.Resource, error) {
	r, ok := d.reg.Get(id)
	if !ok {
		var err error
		if r, err = d.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	r.Reset()
	path := fmt.Sprintf("/training-data/%s/compute", id)
	if _, err := d.c.do(ctx, http.MethodPost, path, nil); err != nil {
		return nil, err
	}
	return r, nil
}

// TrainingDataPartDirectory accesses the training data parts on the server.
type TrainingDataPartDirectory struct {
	directory
}

// Upload creates a part under a training data entry and sends its bytes.
func (d *TrainingDataPartDirectory) Upload(ctx context.Context, trainingDataID, name string, data io.Reader) (*resource.Resource, error) {
	path := fmt.Sprintf("/training-data/%s/parts", trainingDataID)
	part, err := d.create(ctx, path, map[string]any{"name": name},
		resource.UploadPending())
	if err != nil {
		return nil, err
	}
	dataPath := fmt.Sprintf("/training-data-parts/%s/data", part.ID())
	if _, err := d.c.doRaw(ctx, http.MethodPut, dataPath, "application/octet-stream", data); err != nil {
		return nil, fmt.Errorf("upload training data part %s: %w", part.ID(), err)
	}
	return part, nil
}

// ModelDirectory accesses the trained models on the server.
type ModelDirectory struct {
	directory
}

// Build launches a model training build from a configuration.
func (d *ModelDirectory) Build(ctx context.Context, configuration map[string]any) (*resource.Resource, error) {
	return d.create(ctx, "/models", configuration)
}
