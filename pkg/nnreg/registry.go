// Package nnreg owns the model registry: named model entries, lazy loading
// with a stub fallback, and a single "active" model.
//
// Real inference backends register a Factory for their model kind. If no
// factory is available, or construction fails, we fall back to a
// deterministic stub model so that a pipeline never blocks on model
// unavailability.
package nnreg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"golang.org/x/sync/singleflight"

	"github.com/vrusight/vrusight/pkg/nn"
)

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrNoActiveModel = errors.New("no active model")
)

// Well-known id that Active() falls back to when no active model was set
const DefaultModelID = "vru-yolov8m-640"

// Kind of model backend
type Kind string

const KindStub Kind = "stub"

// Factory constructs a backend instance for a registered model
type Factory func(logger logs.Log, path string) (nn.Model, error)

type modelEntry struct {
	id    string
	path  string
	kind  Kind
	model nn.Model // nil until loaded
}

type Registry struct {
	log       logs.Log
	factories map[Kind]Factory

	lock    sync.RWMutex
	entries map[string]*modelEntry
	active  string

	// Concurrent loads of the same model id must not race to double-construct
	loads singleflight.Group
}

func NewRegistry(logger logs.Log) *Registry {
	return &Registry{
		log:       logger,
		factories: map[Kind]Factory{},
		entries:   map[string]*modelEntry{},
	}
}

// RegisterFactory installs the backend constructor for a model kind
func (r *Registry) RegisterFactory(kind Kind, factory Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.factories[kind] = factory
}

// Register adds a model entry. It does not load the model.
// Registering an id that is already loaded is a no-op; an unloaded entry is
// overwritten.
func (r *Registry) Register(modelID, path string, kind Kind) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if existing := r.entries[modelID]; existing != nil && existing.model != nil {
		return
	}
	r.entries[modelID] = &modelEntry{
		id:   modelID,
		path: path,
		kind: kind,
	}
}

// IsRegistered returns true if modelID has an entry
func (r *Registry) IsRegistered(modelID string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.entries[modelID] != nil
}

// Load returns the model instance for modelID, constructing it on first use.
// The first caller for a given id performs the load; concurrent callers for
// the same id wait for that result.
func (r *Registry) Load(modelID string) (nn.Model, error) {
	r.lock.RLock()
	entry := r.entries[modelID]
	var cached nn.Model
	if entry != nil {
		cached = entry.model
	}
	r.lock.RUnlock()

	if entry == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownModel, modelID)
	}
	if cached != nil {
		return cached, nil
	}

	model, err, _ := r.loads.Do(modelID, func() (any, error) {
		// Another caller may have finished the load while we queued
		r.lock.RLock()
		cached := entry.model
		r.lock.RUnlock()
		if cached != nil {
			return cached, nil
		}
		model := r.construct(entry)
		r.lock.Lock()
		entry.model = model
		r.lock.Unlock()
		return model, nil
	})
	if err != nil {
		return nil, err
	}
	return model.(nn.Model), nil
}

// Construct a backend for the entry, falling back to the stub whenever the
// real backend is unavailable.
func (r *Registry) construct(entry *modelEntry) nn.Model {
	if entry.kind != KindStub {
		r.lock.RLock()
		factory := r.factories[entry.kind]
		r.lock.RUnlock()
		if factory != nil {
			model, err := factory(r.log, entry.path)
			if err == nil {
				return model
			}
			r.log.Warnf("Failed to load '%v' model '%v': %v", entry.kind, entry.id, err)
		} else {
			r.log.Warnf("No backend for model kind '%v'", entry.kind)
		}
		r.log.Infof("Falling back to stub model for '%v'", entry.id)
	}
	return NewStubModel(entry.id, DefaultStubWidth, DefaultStubHeight)
}

// SetActive marks modelID as the active model
func (r *Registry) SetActive(modelID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.entries[modelID] == nil {
		return fmt.Errorf("%w: %v", ErrUnknownModel, modelID)
	}
	r.active = modelID
	return nil
}

// ActiveID returns the id of the active model, or "" if none was set
func (r *Registry) ActiveID() string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.active
}

// Active returns the active model, loading it if necessary.
// If no active model was set, falls back to DefaultModelID if registered.
func (r *Registry) Active() (nn.Model, error) {
	r.lock.RLock()
	active := r.active
	if active == "" && r.entries[DefaultModelID] != nil {
		active = DefaultModelID
	}
	r.lock.RUnlock()
	if active == "" {
		return nil, ErrNoActiveModel
	}
	return r.Load(active)
}

// Close releases all loaded models
func (r *Registry) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, entry := range r.entries {
		if entry.model != nil {
			entry.model.Close()
			entry.model = nil
		}
	}
}
