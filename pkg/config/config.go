// Package config loads and validates the two configuration documents the
// server needs at bootstrap: the inference config (models + pipeline) and
// the server config (transports, concurrency, GPU, logging). The shape is
// a plain struct tree tagged for koanf, with a Validate() error that
// accumulates every violation before returning.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// InferenceConfig is conf/inference.yml — the model set and the pipeline
// that routes a request through them.
type InferenceConfig struct {
	Models   []ModelConfig  `koanf:"models"`
	Pipeline PipelineConfig `koanf:"pipeline"`
}

// InfererType enumerates the inferer/converter framework kinds.
type InfererType string

const (
	InfererTorch      InfererType = "torch"
	InfererTensorFlow InfererType = "tensorflow"
	InfererTensorRT   InfererType = "tensorrt"
	InfererCustomized InfererType = "customized"
	ConverterNone     InfererType = "none"
)

// BatchingConfig is the optional per-model dynamic batching block.
type BatchingConfig struct {
	Type           string `koanf:"type" yaml:"type"` // none | dynamic
	MaxBatchSize   int    `koanf:"max_batch_size" yaml:"max_batch_size"`
	BatchTimeoutUs int    `koanf:"batch_timeout_us" yaml:"batch_timeout_us"`
}

// ModelConfig describes one loaded model. The yaml tags keep the
// /metadata/model descriptor rendering on the same keys the config
// document uses.
type ModelConfig struct {
	Name          string          `koanf:"name" yaml:"name"`
	Version       string          `koanf:"version" yaml:"version"`
	InfererType   InfererType     `koanf:"inferer_type" yaml:"inferer_type"`
	InfererName   string          `koanf:"inferer_name" yaml:"inferer_name,omitempty"`
	ConverterType InfererType     `koanf:"converter_type" yaml:"converter_type"`
	ConverterName string          `koanf:"converter_name" yaml:"converter_name,omitempty"`
	InfererPath   string          `koanf:"inferer_path" yaml:"inferer_path,omitempty"`
	Device        string          `koanf:"device" yaml:"device,omitempty"`
	InpDevice     string          `koanf:"inp_device" yaml:"inp_device,omitempty"`
	Batching      *BatchingConfig `koanf:"batching" yaml:"batching,omitempty"`
	InfererArgs   map[string]any  `koanf:"inferer_args" yaml:"inferer_args,omitempty"`
}

// Key returns the "name-version" identity used throughout the executor.
func (m ModelConfig) Key() string {
	return m.Name + "-" + m.Version
}

// HasDynamicBatching reports whether this model needs a dynamic batcher.
func (m ModelConfig) HasDynamicBatching() bool {
	return m.Batching != nil && m.Batching.Type == "dynamic"
}

// PipelineConfig is the DAG description; "sequential" is the only
// supported topology, anything else is rejected at validation.
type PipelineConfig struct {
	DAG   DAGConfig    `koanf:"dag"`
	Nodes []NodeConfig `koanf:"nodes"`
}

type DAGConfig struct {
	Type string `koanf:"type"`
}

type NodeConfig struct {
	Name  string `koanf:"name"`
	Type  string `koanf:"type"` // always "model" in scope
	Model string `koanf:"model"`
}

// ServerConfig is conf/server.yml.
type ServerConfig struct {
	Interface      InterfaceConfig `koanf:"interface"`
	MaxConnections int             `koanf:"max_connections"`
	MaxConcurrency int             `koanf:"max_concurrency"`
	GPU            *GPUConfig      `koanf:"gpu"`
	Log            LogConfig       `koanf:"log"`
}

// Framework enumerates the supported transport combinations.
type Framework string

const (
	FrameworkHTTP     Framework = "http"
	FrameworkHTTPGRPC Framework = "http+grpc"
	FrameworkHTTPBRPC Framework = "http+brpc"
)

type InterfaceConfig struct {
	Framework             Framework              `koanf:"framework"`
	Host                  string                 `koanf:"host"`
	Port                  []int                  `koanf:"port"`
	CustomizedPredictHTTP *CustomizedPredictHTTP `koanf:"customized_predict_http"`
}

type StreamingCtrlMode string

const (
	CtrlQueryParam  StreamingCtrlMode = "query_param"
	CtrlHeaderParam StreamingCtrlMode = "header_param"
	CtrlBodyParam   StreamingCtrlMode = "body_param"
)

type StreamingCtrl struct {
	CtrlMode       StreamingCtrlMode `koanf:"ctrl_mode"`
	CtrlKey        string            `koanf:"ctrl_key"`
	ResContentType string            `koanf:"res_content_type"`
}

type CustomizedPredictHTTP struct {
	Path           string         `koanf:"path"`
	CustomizedBody bool           `koanf:"customized_body"`
	StreamingCtrl  *StreamingCtrl `koanf:"streaming_ctrl"`
}

type GPUConfig struct {
	MemManagerType string `koanf:"mem_manager_type"` // torch | tensorflow | none
	MemLimitMiB    int    `koanf:"mem_limit_mib"`     // >0, or -1 for unlimited
	MemGCEnable    bool   `koanf:"mem_gc_enable"`
	MemGCInterval  int    `koanf:"mem_gc_interval"`
	Devices        []int  `koanf:"devices"`
}

type LogConfig struct {
	LogDir         string `koanf:"log_dir"`
	LogBackupCount int    `koanf:"log_backup_count"`
}

var reservedHTTPPaths = regexp.MustCompile(`^/(grps/v1(/.*)?)?$`)
var customPathPattern = regexp.MustCompile(`^/[A-Za-z0-9_\-/]+$`)
var devicePattern = regexp.MustCompile(`^(cpu|original|(cuda|gpu)(:\d+)?)$`)

// Validate checks the inference config's internal references: every
// pipeline node's model resolves, model keys are unique.
func (c *InferenceConfig) Validate() error {
	var errs []string

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		key := m.Key()
		if m.Name == "" {
			errs = append(errs, fmt.Sprintf("models[%d].name is required", i))
		}
		if m.Version == "" {
			errs = append(errs, fmt.Sprintf("models[%d].version is required", i))
		}
		if seen[key] {
			errs = append(errs, fmt.Sprintf("duplicate model key %q", key))
		}
		seen[key] = true

		switch m.InfererType {
		case InfererTorch, InfererTensorFlow, InfererTensorRT:
			if m.InfererPath == "" {
				errs = append(errs, fmt.Sprintf("models[%d] (%s): inferer_path is required for inferer_type %q", i, key, m.InfererType))
			}
		case InfererCustomized:
			if m.InfererName == "" {
				errs = append(errs, fmt.Sprintf("models[%d] (%s): inferer_name is required for inferer_type customized", i, key))
			}
		default:
			errs = append(errs, fmt.Sprintf("models[%d] (%s): unsupported inferer_type %q", i, key, m.InfererType))
		}

		switch m.ConverterType {
		case InfererTorch, InfererTensorFlow, InfererTensorRT, ConverterNone:
		case InfererCustomized:
			if m.ConverterName == "" {
				errs = append(errs, fmt.Sprintf("models[%d] (%s): converter_name is required for converter_type customized", i, key))
			}
		default:
			errs = append(errs, fmt.Sprintf("models[%d] (%s): unsupported converter_type %q", i, key, m.ConverterType))
		}

		if m.InfererType == InfererCustomized && m.ConverterType != ConverterNone && m.ConverterType != "" {
			errs = append(errs, fmt.Sprintf("models[%d] (%s): inferer_type customized requires converter_type none (user code owns its own tensor handling)", i, key))
		}

		if m.Device != "" && !devicePattern.MatchString(m.Device) {
			errs = append(errs, fmt.Sprintf("models[%d] (%s): device must be one of cpu, cuda, gpu, cuda:N, gpu:N, original; got %q", i, key, m.Device))
		}
		if m.InpDevice != "" && !devicePattern.MatchString(m.InpDevice) {
			errs = append(errs, fmt.Sprintf("models[%d] (%s): inp_device must be one of cpu, cuda, gpu, cuda:N, gpu:N, original; got %q", i, key, m.InpDevice))
		}
		if m.Device == "original" && m.InfererType == InfererTorch && (m.InpDevice == "" || m.InpDevice == "original") {
			errs = append(errs, fmt.Sprintf("models[%d] (%s): device=original with torch requires a non-original inp_device", i, key))
		}

		if m.Batching != nil {
			if m.Batching.Type != "none" && m.Batching.Type != "dynamic" {
				errs = append(errs, fmt.Sprintf("models[%d] (%s): batching.type must be none or dynamic", i, key))
			}
			if m.Batching.Type == "dynamic" {
				if m.Batching.MaxBatchSize <= 0 {
					errs = append(errs, fmt.Sprintf("models[%d] (%s): batching.max_batch_size must be > 0", i, key))
				}
				if m.Batching.BatchTimeoutUs <= 0 {
					errs = append(errs, fmt.Sprintf("models[%d] (%s): batching.batch_timeout_us must be > 0", i, key))
				}
			}
		}
	}

	if c.Pipeline.DAG.Type != "sequential" {
		errs = append(errs, fmt.Sprintf("pipeline.dag.type must be sequential, got %q", c.Pipeline.DAG.Type))
	}
	for i, n := range c.Pipeline.Nodes {
		if n.Type != "" && n.Type != "model" {
			errs = append(errs, fmt.Sprintf("pipeline.nodes[%d]: unsupported node type %q", i, n.Type))
		}
		if !seen[n.Model] {
			errs = append(errs, fmt.Sprintf("pipeline.nodes[%d] (%s): model %q not found in models set", i, n.Name, n.Model))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("inference config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the server config's structural rules.
func (c *ServerConfig) Validate() error {
	var errs []string

	switch c.Interface.Framework {
	case FrameworkHTTP:
		if len(c.Interface.Port) != 1 {
			errs = append(errs, "interface.port must have exactly 1 entry for framework=http")
		}
	case FrameworkHTTPGRPC:
		if len(c.Interface.Port) != 2 {
			errs = append(errs, "interface.port must have exactly 2 entries for framework=http+grpc")
		} else if c.Interface.Port[0] == c.Interface.Port[1] {
			errs = append(errs, "interface.port entries must differ for framework=http+grpc")
		}
	case FrameworkHTTPBRPC:
		errs = append(errs, "framework http+brpc is not implemented")
	default:
		errs = append(errs, fmt.Sprintf("unsupported interface.framework %q", c.Interface.Framework))
	}

	if ip := net.ParseIP(c.Interface.Host); ip == nil || ip.To4() == nil {
		errs = append(errs, fmt.Sprintf("interface.host %q is not a valid IPv4 dotted-quad", c.Interface.Host))
	}

	if c.MaxConnections <= 0 {
		errs = append(errs, "max_connections must be > 0")
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, "max_concurrency must be > 0")
	}
	if c.MaxConcurrency > 0 && c.MaxConnections > 0 && c.MaxConcurrency > c.MaxConnections {
		errs = append(errs, "max_concurrency must be <= max_connections")
	}

	if cp := c.Interface.CustomizedPredictHTTP; cp != nil {
		if !customPathPattern.MatchString(cp.Path) {
			errs = append(errs, fmt.Sprintf("customized_predict_http.path %q does not match ^/[A-Za-z0-9_-/]+$", cp.Path))
		} else if reservedHTTPPaths.MatchString(cp.Path) {
			errs = append(errs, fmt.Sprintf("customized_predict_http.path %q conflicts with a reserved path", cp.Path))
		}
		if cp.StreamingCtrl != nil {
			switch cp.StreamingCtrl.CtrlMode {
			case CtrlQueryParam, CtrlHeaderParam, CtrlBodyParam:
			default:
				errs = append(errs, fmt.Sprintf("streaming_ctrl.ctrl_mode %q is invalid", cp.StreamingCtrl.CtrlMode))
			}
		}
	}

	if c.GPU != nil {
		switch c.GPU.MemManagerType {
		case "torch", "tensorflow", "none", "":
		default:
			errs = append(errs, fmt.Sprintf("gpu.mem_manager_type %q is invalid", c.GPU.MemManagerType))
		}
		if c.GPU.MemLimitMiB != -1 && c.GPU.MemLimitMiB <= 0 {
			errs = append(errs, "gpu.mem_limit_mib must be > 0 or exactly -1")
		}
		if c.GPU.MemGCEnable && c.GPU.MemGCInterval < 1 {
			errs = append(errs, "gpu.mem_gc_interval must be >= 1 when mem_gc_enable is true")
		}
	}

	if c.Log.LogBackupCount < 1 {
		errs = append(errs, "log.log_backup_count must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("server config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
