package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/mapping/internal/mapping/mapper"
	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/mapping/queue"
	"github.com/banshee-data/mapping/internal/security"
)

// DefaultConfigPath is where the CLI looks for a mapping configuration when
// none is given.
const DefaultConfigPath = "config/mapping.json"

// maxFileSize caps configuration files at 1MB.
const maxFileSize = 1 * 1024 * 1024

// Provider types.
const (
	ProviderUDP    = "udp"
	ProviderPCAP   = "pcap"
	ProviderSerial = "serial"
	ProviderStatic = "static"
)

// Publisher types.
const (
	PublisherHTTP   = "http"
	PublisherSQLite = "sqlite"
	PublisherGRPC   = "grpc"
	PublisherImage  = "image"
)

// MappingConfig is the root of a mapping configuration file. It declares the
// observation sources, the map sinks, the static frame tree and the mappers
// that connect them.
type MappingConfig struct {
	Providers  []ProviderConfig  `json:"providers"`
	Publishers []PublisherConfig `json:"publishers,omitempty"`
	Transforms []TransformConfig `json:"transforms,omitempty"`
	Mappers    []MapperConfig    `json:"mappers"`
}

// ProviderConfig declares one observation source. Which fields apply
// depends on Type.
type ProviderConfig struct {
	Name string `json:"name"`
	Type string `json:"type"`

	// udp
	Address *string `json:"address,omitempty"`
	RcvBuf  *int    `json:"rcvbuf,omitempty"`

	// pcap
	Path     *string  `json:"path,omitempty"`
	UDPPort  *int     `json:"udp_port,omitempty"`
	Realtime *bool    `json:"realtime,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`

	// serial
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`
}

// PublisherConfig declares one map sink.
type PublisherConfig struct {
	Name string `json:"name"`
	Type string `json:"type"`

	// http, grpc
	Address *string `json:"address,omitempty"`

	// http: default save directory and allow-list; image: output directory.
	Dir             *string  `json:"dir,omitempty"`
	AllowedSaveDirs []string `json:"allowed_save_dirs,omitempty"`

	// sqlite
	Path   *string `json:"path,omitempty"`
	Retain *int    `json:"retain,omitempty"`

	// grpc
	ClientBuffer *int `json:"client_buffer,omitempty"`

	// image
	MinInterval *string `json:"min_interval,omitempty"` // duration string like "1s"
}

// TransformConfig declares a static edge of the frame tree.
type TransformConfig struct {
	Parent      string    `json:"parent"`
	Child       string    `json:"child"`
	Translation []float64 `json:"translation,omitempty"` // [x, y, z] metres
	RPY         []float64 `json:"rpy,omitempty"`         // [roll, pitch, yaw] radians
}

// SensorModelConfig overrides the occupancy inverse sensor model. Omitted
// fields keep the values of maps.DefaultInverseModel.
type SensorModelConfig struct {
	ProbPrior    *float64 `json:"prob_prior,omitempty"`
	ProbFree     *float64 `json:"prob_free,omitempty"`
	ProbOccupied *float64 `json:"prob_occupied,omitempty"`
	ClampMin     *float64 `json:"clamp_min,omitempty"`
	ClampMax     *float64 `json:"clamp_max,omitempty"`
}

// MapperConfig declares one mapper.
type MapperConfig struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	MapFrame      *string  `json:"map_frame,omitempty"`
	PublishRate   *float64 `json:"publish_rate,omitempty"`
	TFTimeout     *string  `json:"tf_timeout,omitempty"` // duration string like "100ms"
	DataProviders []string `json:"data_providers"`
	MapPublishers []string `json:"map_publishers,omitempty"`

	Resolution  *float64           `json:"resolution,omitempty"`
	MaxRange    *float64           `json:"max_range,omitempty"`
	SensorModel *SensorModelConfig `json:"sensor_model,omitempty"`

	QueueCapacity *int    `json:"queue_capacity,omitempty"`
	Backpressure  *string `json:"backpressure,omitempty"`

	Debug *bool `json:"debug,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadMappingConfig loads and validates a MappingConfig from a JSON file.
// The file must have a .json extension and be at most 1MB.
func LoadMappingConfig(path string) (*MappingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &MappingConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks names, references between sections and every field that
// is set.
func (c *MappingConfig) Validate() error {
	providers := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if providers[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		providers[p.Name] = true
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
	}

	publishers := make(map[string]bool, len(c.Publishers))
	for i, p := range c.Publishers {
		if p.Name == "" {
			return fmt.Errorf("publishers[%d]: name is required", i)
		}
		if publishers[p.Name] {
			return fmt.Errorf("duplicate publisher %q", p.Name)
		}
		publishers[p.Name] = true
		if err := p.Validate(); err != nil {
			return fmt.Errorf("publisher %q: %w", p.Name, err)
		}
	}

	for i, t := range c.Transforms {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("transforms[%d]: %w", i, err)
		}
	}

	if len(c.Mappers) == 0 {
		return fmt.Errorf("no mappers configured")
	}
	mappers := make(map[string]bool, len(c.Mappers))
	for i, m := range c.Mappers {
		if !security.IsSafeName(m.Name) {
			return fmt.Errorf("mappers[%d]: invalid name %q (letters, digits, '-', '_' and '.' only)", i, m.Name)
		}
		if mappers[m.Name] {
			return fmt.Errorf("duplicate mapper %q", m.Name)
		}
		mappers[m.Name] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mapper %q: %w", m.Name, err)
		}
		for _, pn := range m.DataProviders {
			if !providers[pn] {
				return fmt.Errorf("mapper %q: unknown data provider %q", m.Name, pn)
			}
		}
		for _, pn := range m.MapPublishers {
			if !publishers[pn] {
				return fmt.Errorf("mapper %q: unknown map publisher %q", m.Name, pn)
			}
		}
	}
	return nil
}

// Validate checks the fields required by the provider's type.
func (p *ProviderConfig) Validate() error {
	switch p.Type {
	case ProviderUDP:
		if p.GetAddress() == "" {
			return fmt.Errorf("udp provider requires address")
		}
		if p.RcvBuf != nil && *p.RcvBuf < 0 {
			return fmt.Errorf("rcvbuf must be non-negative, got %d", *p.RcvBuf)
		}
	case ProviderPCAP:
		if p.GetPath() == "" {
			return fmt.Errorf("pcap provider requires path")
		}
		if p.UDPPort != nil && (*p.UDPPort < 0 || *p.UDPPort > 65535) {
			return fmt.Errorf("udp_port must be between 0 and 65535, got %d", *p.UDPPort)
		}
		if p.Speed != nil && !(*p.Speed > 0) {
			return fmt.Errorf("speed must be positive, got %v", *p.Speed)
		}
	case ProviderSerial:
		if p.GetPort() == "" {
			return fmt.Errorf("serial provider requires port")
		}
		if p.GetBaudRate() <= 0 {
			return fmt.Errorf("baud_rate must be positive, got %d", p.GetBaudRate())
		}
	case ProviderStatic:
	default:
		return fmt.Errorf("unknown provider type %q (want udp, pcap, serial or static)", p.Type)
	}
	return nil
}

// GetAddress returns the address or "".
func (p *ProviderConfig) GetAddress() string {
	if p.Address == nil {
		return ""
	}
	return *p.Address
}

// GetRcvBuf returns the socket receive buffer size, 0 for the OS default.
func (p *ProviderConfig) GetRcvBuf() int {
	if p.RcvBuf == nil {
		return 0
	}
	return *p.RcvBuf
}

// GetPath returns the capture path or "".
func (p *ProviderConfig) GetPath() string {
	if p.Path == nil {
		return ""
	}
	return *p.Path
}

// GetUDPPort returns the replay port filter, 0 for all UDP.
func (p *ProviderConfig) GetUDPPort() int {
	if p.UDPPort == nil {
		return 0
	}
	return *p.UDPPort
}

// GetRealtime returns the realtime value or the default.
func (p *ProviderConfig) GetRealtime() bool {
	if p.Realtime == nil {
		return false // default: replay as fast as possible
	}
	return *p.Realtime
}

// GetSpeed returns the replay speed multiplier or the default.
func (p *ProviderConfig) GetSpeed() float64 {
	if p.Speed == nil {
		return 1
	}
	return *p.Speed
}

// GetPort returns the serial device path or "".
func (p *ProviderConfig) GetPort() string {
	if p.Port == nil {
		return ""
	}
	return *p.Port
}

// GetBaudRate returns the baud_rate value or the default.
func (p *ProviderConfig) GetBaudRate() int {
	if p.BaudRate == nil {
		return 115200
	}
	return *p.BaudRate
}

// Validate checks the fields required by the publisher's type.
func (p *PublisherConfig) Validate() error {
	switch p.Type {
	case PublisherHTTP:
		if p.GetAddress() == "" {
			return fmt.Errorf("http publisher requires address")
		}
	case PublisherSQLite:
		if p.GetPath() == "" {
			return fmt.Errorf("sqlite publisher requires path")
		}
		if p.GetRetain() < 0 {
			return fmt.Errorf("retain must be non-negative, got %d", p.GetRetain())
		}
	case PublisherGRPC:
		if p.GetAddress() == "" {
			return fmt.Errorf("grpc publisher requires address")
		}
		if p.ClientBuffer != nil && *p.ClientBuffer <= 0 {
			return fmt.Errorf("client_buffer must be positive, got %d", *p.ClientBuffer)
		}
	case PublisherImage:
		if p.GetDir() == "" {
			return fmt.Errorf("image publisher requires dir")
		}
		if p.MinInterval != nil && *p.MinInterval != "" {
			if _, err := time.ParseDuration(*p.MinInterval); err != nil {
				return fmt.Errorf("invalid min_interval '%s': %w", *p.MinInterval, err)
			}
		}
	default:
		return fmt.Errorf("unknown publisher type %q (want http, sqlite, grpc or image)", p.Type)
	}
	return nil
}

// GetAddress returns the listen address or "".
func (p *PublisherConfig) GetAddress() string {
	if p.Address == nil {
		return ""
	}
	return *p.Address
}

// GetDir returns the directory or "".
func (p *PublisherConfig) GetDir() string {
	if p.Dir == nil {
		return ""
	}
	return *p.Dir
}

// GetPath returns the database path or "".
func (p *PublisherConfig) GetPath() string {
	if p.Path == nil {
		return ""
	}
	return *p.Path
}

// GetRetain returns the retain value or the default.
func (p *PublisherConfig) GetRetain() int {
	if p.Retain == nil {
		return 0 // default: keep every version
	}
	return *p.Retain
}

// GetClientBuffer returns the client_buffer value, 0 for the server default.
func (p *PublisherConfig) GetClientBuffer() int {
	if p.ClientBuffer == nil {
		return 0
	}
	return *p.ClientBuffer
}

// GetMinInterval parses and returns the MinInterval as a time.Duration.
// 0 selects the image publisher's default.
func (p *PublisherConfig) GetMinInterval() time.Duration {
	if p.MinInterval == nil || *p.MinInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(*p.MinInterval)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks frame names and vector lengths.
func (t *TransformConfig) Validate() error {
	if t.Parent == "" || t.Child == "" {
		return fmt.Errorf("parent and child frames are required")
	}
	if t.Parent == t.Child {
		return fmt.Errorf("frame %q cannot be its own parent", t.Parent)
	}
	if t.Translation != nil && len(t.Translation) != 3 {
		return fmt.Errorf("translation must have 3 elements, got %d", len(t.Translation))
	}
	if t.RPY != nil && len(t.RPY) != 3 {
		return fmt.Errorf("rpy must have 3 elements, got %d", len(t.RPY))
	}
	for _, v := range append(append([]float64(nil), t.Translation...), t.RPY...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite value %v", v)
		}
	}
	return nil
}

func vec3(v []float64) [3]float64 {
	var out [3]float64
	copy(out[:], v)
	return out
}

// Model returns the configured inverse sensor model.
func (s *SensorModelConfig) Model() maps.InverseModel {
	m := maps.DefaultInverseModel()
	if s == nil {
		return m
	}
	if s.ProbPrior != nil {
		m.ProbPrior = *s.ProbPrior
	}
	if s.ProbFree != nil {
		m.ProbFree = *s.ProbFree
	}
	if s.ProbOccupied != nil {
		m.ProbOccupied = *s.ProbOccupied
	}
	if s.ClampMin != nil {
		m.ClampMin = *s.ClampMin
	}
	if s.ClampMax != nil {
		m.ClampMax = *s.ClampMax
	}
	return m
}

// Validate checks a mapper's own fields. References to providers and
// publishers are checked by MappingConfig.Validate.
func (m *MapperConfig) Validate() error {
	if _, ok := mapper.DefaultRegistry().Lookup(m.Type); !ok {
		return fmt.Errorf("unknown map type %q (known: %v)", m.Type, mapper.DefaultRegistry().Types())
	}
	if m.MapFrame != nil && *m.MapFrame == "" {
		return fmt.Errorf("map_frame must not be empty")
	}
	if m.PublishRate != nil {
		if r := *m.PublishRate; r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("publish_rate must be a finite value >= 0, got %v", r)
		}
	}
	if m.TFTimeout != nil && *m.TFTimeout != "" {
		d, err := time.ParseDuration(*m.TFTimeout)
		if err != nil {
			return fmt.Errorf("invalid tf_timeout '%s': %w", *m.TFTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("tf_timeout must be non-negative, got %v", d)
		}
	}
	if len(m.DataProviders) == 0 {
		return fmt.Errorf("data_providers must not be empty")
	}
	if m.Resolution != nil && !(*m.Resolution > 0) {
		return fmt.Errorf("resolution must be positive, got %v", *m.Resolution)
	}
	if m.MaxRange != nil && (*m.MaxRange < 0 || math.IsNaN(*m.MaxRange)) {
		return fmt.Errorf("max_range must be non-negative, got %v", *m.MaxRange)
	}
	if m.SensorModel != nil {
		if err := m.SensorModel.Model().Validate(); err != nil {
			return fmt.Errorf("sensor_model: %w", err)
		}
	}
	if m.QueueCapacity != nil && *m.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity must be non-negative, got %d", *m.QueueCapacity)
	}
	if m.Backpressure != nil {
		if _, err := queue.ParsePolicy(*m.Backpressure); err != nil {
			return err
		}
	}
	return nil
}

// GetMapFrame returns the map_frame value or the default.
func (m *MapperConfig) GetMapFrame() string {
	if m.MapFrame == nil {
		return mapper.DefaultMapFrame
	}
	return *m.MapFrame
}

// GetPublishRate returns the publish_rate value in Hz or the default.
func (m *MapperConfig) GetPublishRate() float64 {
	if m.PublishRate == nil {
		return mapper.DefaultPublishRate
	}
	return *m.PublishRate
}

// GetTFTimeout parses and returns the TFTimeout as a time.Duration.
func (m *MapperConfig) GetTFTimeout() time.Duration {
	if m.TFTimeout == nil || *m.TFTimeout == "" {
		return mapper.DefaultTFTimeout
	}
	d, err := time.ParseDuration(*m.TFTimeout)
	if err != nil {
		return mapper.DefaultTFTimeout // default on parse error
	}
	return d
}

// GetResolution returns the resolution, 0 for the map type's default.
func (m *MapperConfig) GetResolution() float64 {
	if m.Resolution == nil {
		return 0
	}
	return *m.Resolution
}

// GetMaxRange returns the max_range value or the default.
func (m *MapperConfig) GetMaxRange() float64 {
	if m.MaxRange == nil {
		return mapper.DefaultMaxRange
	}
	return *m.MaxRange
}

// GetQueueCapacity returns the queue_capacity value, 0 for unbounded.
func (m *MapperConfig) GetQueueCapacity() int {
	if m.QueueCapacity == nil {
		return 0
	}
	return *m.QueueCapacity
}

// GetBackpressure returns the backpressure policy or the default.
func (m *MapperConfig) GetBackpressure() queue.Policy {
	if m.Backpressure == nil {
		return queue.PolicyDropOldest
	}
	p, err := queue.ParsePolicy(*m.Backpressure)
	if err != nil {
		return queue.PolicyDropOldest // default on parse error
	}
	return p
}

// GetDebug returns the debug value or the default.
func (m *MapperConfig) GetDebug() bool {
	if m.Debug == nil {
		return false
	}
	return *m.Debug
}

// Options converts the configuration into mapper options.
func (m *MapperConfig) Options() mapper.Options {
	opts := mapper.DefaultOptions()
	opts.Type = m.Type
	opts.MapFrame = m.GetMapFrame()
	opts.PublishRate = m.GetPublishRate()
	opts.TFTimeout = m.GetTFTimeout()
	opts.DataProviders = append([]string(nil), m.DataProviders...)
	opts.MapPublishers = append([]string(nil), m.MapPublishers...)
	opts.Resolution = m.GetResolution()
	opts.MaxRange = m.GetMaxRange()
	if m.SensorModel != nil {
		model := m.SensorModel.Model()
		opts.Model = &model
	}
	opts.QueueCapacity = m.GetQueueCapacity()
	opts.Backpressure = m.GetBackpressure()
	opts.Debug = m.GetDebug()
	return opts
}
