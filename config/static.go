package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// TimingKey identifies one (service, method, remoteIP, remotePort) timing
// entry; remoteIP/remotePort are optional (zero value matches any remote).
type TimingKey struct {
	Service    uint16
	Method     uint16
	RemoteIP   string
	RemotePort uint16
}

// Timing is a (debounce, max_retention) pair as described in §4.3.
type Timing struct {
	Debounce     time.Duration `mapstructure:"debounce"`
	MaxRetention time.Duration `mapstructure:"max_retention"`
}

// TPKey identifies one (service, instance, method) TP configuration entry.
type TPKey struct {
	Service  uint16
	Instance uint16
	Method   uint16
}

// TPSettings carries the TP max-segment-length/separation-time pair plus
// whether TP is enabled at all for the key (§4.3 step 3, §6).
type TPSettings struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxSegmentLength uint16        `mapstructure:"max_segment_length"`
	SeparationTime   time.Duration `mapstructure:"separation_time"`
}

// Options is the loosely-typed option bag decoded into Static via
// mapstructure -- the same decode-a-map-of-options idiom the teacher uses
// for tool-call arguments (server/registry.go), reused here for tunables.
type Options struct {
	MaxMessageSizeReliable   uint32 `mapstructure:"max_message_size_reliable"`
	MaxMessageSizeUnreliable uint32 `mapstructure:"max_message_size_unreliable"`
	MaxMessageSizeLocal      uint32 `mapstructure:"max_message_size_local"`

	EndpointQueueLimit      uint32 `mapstructure:"endpoint_queue_limit"`
	EndpointQueueLimitLocal uint32 `mapstructure:"endpoint_queue_limit_local"`
	BufferShrinkThreshold   int    `mapstructure:"buffer_shrink_threshold"`

	UDPReceiveBufferSize int    `mapstructure:"udp_receive_buffer_size"`
	Device               string `mapstructure:"device"`

	DiagnosisAddress byte   `mapstructure:"diagnosis_address"`
	DiagnosisMask    uint16 `mapstructure:"diagnosis_mask"`

	SDTTL               time.Duration `mapstructure:"sd_ttl"`
	MaxTCPRestartAborts int           `mapstructure:"max_tcp_restart_aborts"`
	MaxTCPConnectTime   time.Duration `mapstructure:"max_tcp_connect_time"`
}

// Static is an immutable Capability built once from Options plus explicit
// timing/TP tables. It performs no I/O and never re-reads its source.
type Static struct {
	opts      Options
	timingReq map[TimingKey]Timing
	timingRsp map[TimingKey]Timing
	tp        map[TPKey]TPSettings
}

// DefaultOptions returns reasonable defaults, matching spec §6's stated
// defaults where given (e.g. TP max-segment-length 1392).
func DefaultOptions() Options {
	return Options{
		MaxMessageSizeReliable:   1024 * 1024,
		MaxMessageSizeUnreliable: 1400,
		MaxMessageSizeLocal:      1024 * 1024,
		BufferShrinkThreshold:    5,
		UDPReceiveBufferSize:     212992,
		DiagnosisMask:            0xff00,
		SDTTL:                    3 * time.Second,
		MaxTCPRestartAborts:      5,
		MaxTCPConnectTime:        5 * time.Second,
	}
}

// NewStatic decodes raw (a map[string]any, typically from a config file
// already parsed by the caller) into Options via mapstructure, then builds a
// Static capability around it plus the supplied timing/TP tables.
func NewStatic(raw map[string]any, timingReq, timingRsp map[TimingKey]Timing, tp map[TPKey]TPSettings) (*Static, error) {
	opts := DefaultOptions()
	if raw != nil {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &opts,
			WeaklyTypedInput: true,
			ZeroFields:       false,
			ErrorUnused:      false,
			MatchName: func(mapKey, fieldName string) bool {
				return mapKey == fieldName
			},
		})
		if err != nil {
			return nil, fmt.Errorf("config: building decoder: %w", err)
		}
		if err := dec.Decode(raw); err != nil {
			return nil, fmt.Errorf("config: decoding options: %w", err)
		}
	}
	if timingReq == nil {
		timingReq = map[TimingKey]Timing{}
	}
	if timingRsp == nil {
		timingRsp = map[TimingKey]Timing{}
	}
	if tp == nil {
		tp = map[TPKey]TPSettings{}
	}
	return &Static{opts: opts, timingReq: timingReq, timingRsp: timingRsp, tp: tp}, nil
}

func (s *Static) MaxMessageSizeReliable(string, uint16) uint32 { return s.opts.MaxMessageSizeReliable }
func (s *Static) MaxMessageSizeUnreliable() uint32             { return s.opts.MaxMessageSizeUnreliable }
func (s *Static) MaxMessageSizeLocal() uint32                  { return s.opts.MaxMessageSizeLocal }

func (s *Static) EndpointQueueLimit(string, uint16) uint32 { return s.opts.EndpointQueueLimit }
func (s *Static) EndpointQueueLimitLocal() uint32          { return s.opts.EndpointQueueLimitLocal }
func (s *Static) BufferShrinkThreshold() int                { return s.opts.BufferShrinkThreshold }

func (s *Static) UDPReceiveBufferSize() int { return s.opts.UDPReceiveBufferSize }
func (s *Static) Device() string            { return s.opts.Device }

func (s *Static) GetConfiguredTimingRequests(service, method uint16, remoteIP string, remotePort uint16) (time.Duration, time.Duration) {
	return lookupTiming(s.timingReq, service, method, remoteIP, remotePort)
}

func (s *Static) GetConfiguredTimingResponses(service, method uint16, remoteIP string, remotePort uint16) (time.Duration, time.Duration) {
	return lookupTiming(s.timingRsp, service, method, remoteIP, remotePort)
}

// lookupTiming tries the fully-specific key first, then falls back to a
// remote-agnostic entry, then to a zero default (debounce=0, retention=0 --
// i.e. "depart immediately" when nothing is configured).
func lookupTiming(table map[TimingKey]Timing, service, method uint16, remoteIP string, remotePort uint16) (time.Duration, time.Duration) {
	if t, ok := table[TimingKey{Service: service, Method: method, RemoteIP: remoteIP, RemotePort: remotePort}]; ok {
		return t.Debounce, t.MaxRetention
	}
	if t, ok := table[TimingKey{Service: service, Method: method}]; ok {
		return t.Debounce, t.MaxRetention
	}
	return 0, 0
}

func (s *Static) IsTPService(service, instance, method uint16) bool {
	t, ok := s.tp[TPKey{Service: service, Instance: instance, Method: method}]
	return ok && t.Enabled
}

func (s *Static) IsTPClient(service, method uint16, remoteIP string, remotePort uint16) bool {
	for k, v := range s.tp {
		if k.Service == service && k.Method == method && v.Enabled {
			return true
		}
	}
	return false
}

func (s *Static) GetTPConfiguration(service, instance, method uint16) (uint16, time.Duration) {
	t, ok := s.tp[TPKey{Service: service, Instance: instance, Method: method}]
	if !ok || t.MaxSegmentLength == 0 {
		return 1392, t.SeparationTime
	}
	return t.MaxSegmentLength, t.SeparationTime
}

func (s *Static) DiagnosisAddress() byte   { return s.opts.DiagnosisAddress }
func (s *Static) DiagnosisMask() uint16    { return s.opts.DiagnosisMask }
func (s *Static) SDTTL() time.Duration     { return s.opts.SDTTL }

func (s *Static) MaxTCPRestartAborts() int          { return s.opts.MaxTCPRestartAborts }
func (s *Static) MaxTCPConnectTime() time.Duration  { return s.opts.MaxTCPConnectTime }
