// Package plugin implements the registry of user-authored classes:
// rather than process-wide registration via import-time side effects,
// the executor receives an explicit factory map and constructs a fresh
// instance each time a model entry references one, so two models sharing
// the same registered name get independent state.
package plugin

import (
	"fmt"
	"sync"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/inferer"
	"github.com/grps-serving/grps/pkg/tensor"
)

// InfererFactory produces one fresh customized inferer instance.
type InfererFactory func() (inferer.UserInferer, error)

// ConverterFactory produces one fresh customized converter instance.
type ConverterFactory func() (tensor.Converter, error)

// Registry holds the name->factory maps the executor consults while
// walking the model list; both maps are populated once at process
// startup (by whatever package embeds this server as a library) and read
// many times thereafter.
type Registry struct {
	mu         sync.RWMutex
	inferers   map[string]InfererFactory
	converters map[string]ConverterFactory
}

func New() *Registry {
	return &Registry{
		inferers:   make(map[string]InfererFactory),
		converters: make(map[string]ConverterFactory),
	}
}

// RegisterInferer binds a name an inference config's inferer_name can
// reference.
func (r *Registry) RegisterInferer(name string, f InfererFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inferers[name] = f
}

// RegisterConverter binds a name an inference config's converter_name can
// reference.
func (r *Registry) RegisterConverter(name string, f ConverterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[name] = f
}

// NewInferer constructs a fresh instance of the named customized inferer.
func (r *Registry) NewInferer(name string) (inferer.UserInferer, error) {
	r.mu.RLock()
	f, ok := r.inferers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperror.New(apperror.CodeConfig, fmt.Sprintf("inferer_name %q is not registered", name))
	}
	return f()
}

// NewConverter constructs a fresh instance of the named customized
// converter.
func (r *Registry) NewConverter(name string) (tensor.Converter, error) {
	r.mu.RLock()
	f, ok := r.converters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperror.New(apperror.CodeConfig, fmt.Sprintf("converter_name %q is not registered", name))
	}
	return f()
}
