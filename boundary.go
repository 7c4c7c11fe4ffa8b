package mixcore

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/soundfold/mixcore/ffi"
)

// boundaryHandler executes one named call against the engine. The payload has
// already been decoded; handlers re-validate through the engine's own checks.
type boundaryHandler func(payload json.RawMessage) (any, error)

// Boundary exposes the engine as a set of named calls taking JSON payloads
// and returning JSON results. Every error that crosses it is a structured
// categorized error; nothing escapes as a bare string or a panic.
type Boundary struct {
	engine *Engine
	calls  map[string]boundaryHandler
}

// CallResult is the success envelope for a boundary call.
type CallResult struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ffi.Error      `json:"error,omitempty"`
}

// NewBoundary builds the call table for one engine.
func NewBoundary(e *Engine) *Boundary {
	b := &Boundary{engine: e}
	b.calls = map[string]boundaryHandler{
		"engine.id":            b.engineID,
		"channel.add":          b.channelAdd,
		"channel.remove":       b.channelRemove,
		"channel.set_output":   b.channelSetOutput,
		"channel.add_send":     b.channelAddSend,
		"channel.assign_vca":   b.channelAssignVCA,
		"channel.set_volume":   b.channelSetVolume,
		"channel.set_pan":      b.channelSetPan,
		"channel.set_mute":     b.channelSetMute,
		"channel.set_solo":     b.channelSetSolo,
		"channel.set_armed":    b.channelSetArmed,
		"channel.set_source":   b.channelSetSource,
		"channel.state":        b.channelState,
		"channel.list":         b.channelList,
		"slot.add":             b.slotAdd,
		"slot.remove":          b.slotRemove,
		"slot.swap":            b.slotSwap,
		"slot.reorder":         b.slotReorder,
		"slot.set_enabled":     b.slotSetEnabled,
		"slot.set_bypassed":    b.slotSetBypassed,
		"slot.set_param":       b.slotSetParam,
		"slot.get_param":       b.slotGetParam,
		"slot.meter":           b.slotMeter,
		"pipeline.latency":     b.pipelineLatency,
		"asset.load_async":     b.assetLoadAsync,
		"asset.analyze_async":  b.assetAnalyzeAsync,
		"cache.resident_bytes": b.cacheResidentBytes,
	}
	return b
}

// Call executes the named call and returns the JSON envelope. Errors are
// reported inside the envelope, never as a Go error, so a host binding has a
// single uniform decode path.
func (b *Boundary) Call(name string, payload []byte) []byte {
	handler, ok := b.calls[name]
	if !ok {
		return b.fail(ffi.New(ffi.NotFound, ffi.CodeUnknownCall,
			"unknown call %q", name).WithContext(name).
			WithSuggestion("check the call name against the registered call table"))
	}

	result, err := handler(payload)
	if err != nil {
		ferr := ffi.AsError(err)
		logrus.WithFields(logrus.Fields{
			"function": "Call",
			"call":     name,
			"category": ferr.Category.String(),
		}).Warn(ferr.Message)
		return b.fail(ferr)
	}

	var raw json.RawMessage
	if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			return b.fail(ffi.Wrap(ffi.SerializationError, ffi.CodeBadPayload, merr,
				"encoding result of %q", name))
		}
		raw = data
	}
	out, _ := json.Marshal(CallResult{OK: true, Result: raw})
	return out
}

func (b *Boundary) fail(err *ffi.Error) []byte {
	out, merr := json.Marshal(CallResult{OK: false, Error: err})
	if merr != nil {
		// The error envelope itself is always marshalable; the fallback
		// exists for a corrupted context string.
		return []byte(`{"ok":false,"error":{"category":9,"code":1000,"message":"error encoding failed"}}`)
	}
	return out
}

func decodePayload[T any](payload json.RawMessage, dst *T) error {
	if len(payload) == 0 {
		return ffi.New(ffi.SerializationError, ffi.CodeBadPayload, "missing payload")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return ffi.Wrap(ffi.SerializationError, ffi.CodeBadPayload, err, "decoding payload")
	}
	return nil
}

// --- Handlers ---

func (b *Boundary) engineID(json.RawMessage) (any, error) {
	return map[string]string{"id": b.engine.ID(), "master": b.engine.MasterID()}, nil
}

type channelAddPayload struct {
	Kind ChannelKind `json:"kind"`
	Name string      `json:"name"`
}

func (b *Boundary) channelAdd(payload json.RawMessage) (any, error) {
	var p channelAddPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	id, err := b.engine.AddChannel(p.Kind, p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

type channelIDPayload struct {
	ID string `json:"id"`
}

func (b *Boundary) channelRemove(payload json.RawMessage) (any, error) {
	var p channelIDPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.RemoveChannel(p.ID)
}

type channelTargetPayload struct {
	ID     string  `json:"id"`
	Target string  `json:"target"`
	Level  float64 `json:"level,omitempty"`
}

func (b *Boundary) channelSetOutput(payload json.RawMessage) (any, error) {
	var p channelTargetPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.SetOutput(p.ID, p.Target)
}

func (b *Boundary) channelAddSend(payload json.RawMessage) (any, error) {
	var p channelTargetPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.AddSend(p.ID, p.Target, p.Level)
}

func (b *Boundary) channelAssignVCA(payload json.RawMessage) (any, error) {
	var p channelTargetPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.AssignVCA(p.ID, p.Target)
}

type channelValuePayload struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

func (b *Boundary) channelSetVolume(payload json.RawMessage) (any, error) {
	var p channelValuePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	// Pre-validation on the sending side; the engine re-validates on commit.
	if verr := validateVolume(p.Value); verr != nil {
		return nil, verr.WithContext("channel.set_volume")
	}
	return nil, b.engine.SetVolume(p.ID, p.Value)
}

func (b *Boundary) channelSetPan(payload json.RawMessage) (any, error) {
	var p channelValuePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if verr := validatePan(p.Value); verr != nil {
		return nil, verr.WithContext("channel.set_pan")
	}
	return nil, b.engine.SetPan(p.ID, p.Value)
}

type channelFlagPayload struct {
	ID    string `json:"id"`
	Value bool   `json:"value"`
}

func (b *Boundary) channelSetMute(payload json.RawMessage) (any, error) {
	var p channelFlagPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.SetMute(p.ID, p.Value)
}

func (b *Boundary) channelSetSolo(payload json.RawMessage) (any, error) {
	var p channelFlagPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.SetSolo(p.ID, p.Value)
}

func (b *Boundary) channelSetArmed(payload json.RawMessage) (any, error) {
	var p channelFlagPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.SetArmed(p.ID, p.Value)
}

type channelSourcePayload struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

func (b *Boundary) channelSetSource(payload json.RawMessage) (any, error) {
	var p channelSourcePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.SetTrackSource(p.ID, p.Key)
}

func (b *Boundary) channelState(payload json.RawMessage) (any, error) {
	var p channelIDPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return b.engine.ChannelStateByID(p.ID)
}

func (b *Boundary) channelList(json.RawMessage) (any, error) {
	return b.engine.ListChannels(), nil
}

type slotAddPayload struct {
	ChannelID string `json:"channel_id"`
	Kind      string `json:"kind"`
	Position  int    `json:"position"`
}

func (b *Boundary) slotAdd(payload json.RawMessage) (any, error) {
	var p slotAddPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	id, err := b.engine.AddSlot(p.ChannelID, p.Kind, p.Position)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

type slotPosPayload struct {
	ChannelID string `json:"channel_id"`
	Position  int    `json:"position"`
}

func (b *Boundary) slotRemove(payload json.RawMessage) (any, error) {
	var p slotPosPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.RemoveSlot(p.ChannelID, p.Position)
}

type slotSwapPayload struct {
	ChannelID string `json:"channel_id"`
	A         int    `json:"a"`
	B         int    `json:"b"`
}

func (b *Boundary) slotSwap(payload json.RawMessage) (any, error) {
	var p slotSwapPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.SwapSlots(p.ChannelID, p.A, p.B)
}

type slotReorderPayload struct {
	ChannelID string `json:"channel_id"`
	Order     []int  `json:"order"`
}

func (b *Boundary) slotReorder(payload json.RawMessage) (any, error) {
	var p slotReorderPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.ReorderSlots(p.ChannelID, p.Order)
}

type slotFlagPayload struct {
	ChannelID string `json:"channel_id"`
	Position  int    `json:"position"`
	Value     bool   `json:"value"`
}

func (b *Boundary) slotSetEnabled(payload json.RawMessage) (any, error) {
	var p slotFlagPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.SetSlotEnabled(p.ChannelID, p.Position, p.Value)
}

func (b *Boundary) slotSetBypassed(payload json.RawMessage) (any, error) {
	var p slotFlagPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return nil, b.engine.SetSlotBypassed(p.ChannelID, p.Position, p.Value)
}

type slotParamPayload struct {
	ChannelID string  `json:"channel_id"`
	Position  int     `json:"position"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
}

func (b *Boundary) slotSetParam(payload json.RawMessage) (any, error) {
	var p slotParamPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if verr := ffi.CheckFinite(p.Name, p.Value); verr != nil {
		return nil, verr.WithContext("slot.set_param")
	}
	return nil, b.engine.SetSlotParam(p.ChannelID, p.Position, p.Name, p.Value)
}

func (b *Boundary) slotGetParam(payload json.RawMessage) (any, error) {
	var p slotParamPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	value, err := b.engine.SlotParam(p.ChannelID, p.Position, p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]float64{"value": value}, nil
}

func (b *Boundary) slotMeter(payload json.RawMessage) (any, error) {
	var p slotPosPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return b.engine.SlotMeterSnapshot(p.ChannelID, p.Position)
}

func (b *Boundary) pipelineLatency(json.RawMessage) (any, error) {
	return map[string]int{"latency_samples": b.engine.PipelineLatency()}, nil
}

type assetKeyPayload struct {
	Key string `json:"key"`
}

// assetLoadAsync starts a background load and blocks until completion. Hosts
// that want a ticket-based flow call the engine API directly and poll the
// task.
func (b *Boundary) assetLoadAsync(payload json.RawMessage) (any, error) {
	var p assetKeyPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	task := b.engine.LoadAssetAsync(p.Key)
	res := task.Await()
	if res.Err != nil {
		return nil, res.Err
	}
	return map[string]any{
		"key":        p.Key,
		"elapsed_ms": res.Elapsed.Milliseconds(),
		"from_cache": res.FromCache,
	}, nil
}

func (b *Boundary) assetAnalyzeAsync(payload json.RawMessage) (any, error) {
	var p assetKeyPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	task := b.engine.AnalyzeAssetAsync(p.Key)
	res := task.Await()
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

func (b *Boundary) cacheResidentBytes(json.RawMessage) (any, error) {
	return map[string]int64{"resident_bytes": b.engine.Cache().ResidentBytes()}, nil
}
