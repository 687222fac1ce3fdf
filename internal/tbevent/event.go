package tbevent

import (
	"encoding/binary"
	"math"

	"github.com/rotisserie/eris"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from tensorflow/core/util/event.proto and summary.proto.
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
	valueTensor      protowire.Number = 8
	valueMetadata    protowire.Number = 9

	metadataPluginData protowire.Number = 1
	pluginName         protowire.Number = 1

	tensorDtype   protowire.Number = 1
	tensorContent protowire.Number = 4
	tensorFloat   protowire.Number = 5
	tensorDouble  protowire.Number = 6

	dtFloat  = 1
	dtDouble = 2
)

// ScalarEvent is one recorded sample of a scalar tag.
type ScalarEvent struct {
	WallTime float64
	Step     int64
	Value    float64
}

// taggedScalar is a scalar decoded from one event, before grouping by tag.
type taggedScalar struct {
	Tag string
	ScalarEvent
}

// decodeEvent returns the scalar values carried by one serialized Event.
func decodeEvent(b []byte) ([]taggedScalar, error) {
	var (
		wall      float64
		step      int64
		summaries [][]byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == eventWallTime && typ == protowire.Fixed64Type:
			wall = math.Float64frombits(u)
		case num == eventStep && typ == protowire.VarintType:
			step = int64(u)
		case num == eventSummary && typ == protowire.BytesType:
			summaries = append(summaries, v)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "tbevent: decode event")
	}

	var out []taggedScalar
	for _, s := range summaries {
		err := walk(s, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
			if num != summaryValue || typ != protowire.BytesType {
				return nil
			}
			tag, value, ok, err := decodeValue(v)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, taggedScalar{Tag: tag, ScalarEvent: ScalarEvent{WallTime: wall, Step: step, Value: value}})
			}
			return nil
		})
		if err != nil {
			return nil, eris.Wrap(err, "tbevent: decode summary")
		}
	}
	return out, nil
}

// decodeValue extracts a scalar from a Summary.Value. Values written by
// tf.summary v1 and torch carry simple_value; v2 writers use a rank-0 tensor
// tagged with the scalars plugin.
func decodeValue(b []byte) (tag string, value float64, ok bool, err error) {
	var (
		simple    float64
		hasSimple bool
		tensor    []byte
		plugin    string
	)
	err = walk(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == valueTag && typ == protowire.BytesType:
			tag = string(v)
		case num == valueSimpleValue && typ == protowire.Fixed32Type:
			simple = float64(math.Float32frombits(uint32(u)))
			hasSimple = true
		case num == valueTensor && typ == protowire.BytesType:
			tensor = v
		case num == valueMetadata && typ == protowire.BytesType:
			name, err := decodePluginName(v)
			if err != nil {
				return err
			}
			plugin = name
		}
		return nil
	})
	if err != nil {
		return "", 0, false, err
	}
	if hasSimple {
		return tag, simple, true, nil
	}
	if tensor != nil && (plugin == "scalars" || plugin == "") {
		value, ok, err = decodeScalarTensor(tensor)
		return tag, value, ok, err
	}
	return tag, 0, false, nil
}

func decodePluginName(b []byte) (string, error) {
	var name string
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != metadataPluginData || typ != protowire.BytesType {
			return nil
		}
		return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
			if num == pluginName && typ == protowire.BytesType {
				name = string(v)
			}
			return nil
		})
	})
	return name, err
}

// decodeScalarTensor reads a single float or double from a TensorProto.
func decodeScalarTensor(b []byte) (float64, bool, error) {
	var (
		dtype   uint64
		content []byte
		values  []float64
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case tensorDtype:
			dtype = u
		case tensorContent:
			content = v
		case tensorFloat:
			if typ == protowire.Fixed32Type {
				values = append(values, float64(math.Float32frombits(uint32(u))))
			} else if typ == protowire.BytesType {
				for len(v) >= 4 {
					values = append(values, float64(math.Float32frombits(binary.LittleEndian.Uint32(v))))
					v = v[4:]
				}
			}
		case tensorDouble:
			if typ == protowire.Fixed64Type {
				values = append(values, math.Float64frombits(u))
			} else if typ == protowire.BytesType {
				for len(v) >= 8 {
					values = append(values, math.Float64frombits(binary.LittleEndian.Uint64(v)))
					v = v[8:]
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if len(values) == 1 {
		return values[0], true, nil
	}
	switch {
	case dtype == dtFloat && len(content) == 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(content))), true, nil
	case dtype == dtDouble && len(content) == 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(content)), true, nil
	}
	return 0, false, nil
}

// walk calls fn for every field of a serialized message. For bytes fields v is
// set; for numeric fields u holds the raw varint or fixed bits.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v []byte
			u uint64
		)
		switch typ {
		case protowire.VarintType:
			u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var u32 uint32
			u32, n = protowire.ConsumeFixed32(b)
			u = uint64(u32)
		case protowire.Fixed64Type:
			u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, v, u); err != nil {
			return err
		}
	}
	return nil
}

// encodeScalarEvent serializes an Event carrying one simple_value.
func encodeScalarEvent(tag string, ev ScalarEvent) []byte {
	var value []byte
	value = protowire.AppendTag(value, valueTag, protowire.BytesType)
	value = protowire.AppendString(value, tag)
	value = protowire.AppendTag(value, valueSimpleValue, protowire.Fixed32Type)
	value = protowire.AppendFixed32(value, math.Float32bits(float32(ev.Value)))

	return encodeSummaryEvent(ev, value)
}

// encodeTensorScalarEvent serializes an Event carrying a rank-0 double tensor
// under the scalars plugin, the layout tf.summary v2 writes.
func encodeTensorScalarEvent(tag string, ev ScalarEvent) []byte {
	var tensor []byte
	tensor = protowire.AppendTag(tensor, tensorDtype, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, dtDouble)
	tensor = protowire.AppendTag(tensor, tensorContent, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, binary.LittleEndian.AppendUint64(nil, math.Float64bits(ev.Value)))

	var plugin []byte
	plugin = protowire.AppendTag(plugin, pluginName, protowire.BytesType)
	plugin = protowire.AppendString(plugin, "scalars")
	var metadata []byte
	metadata = protowire.AppendTag(metadata, metadataPluginData, protowire.BytesType)
	metadata = protowire.AppendBytes(metadata, plugin)

	var value []byte
	value = protowire.AppendTag(value, valueTag, protowire.BytesType)
	value = protowire.AppendString(value, tag)
	value = protowire.AppendTag(value, valueMetadata, protowire.BytesType)
	value = protowire.AppendBytes(value, metadata)
	value = protowire.AppendTag(value, valueTensor, protowire.BytesType)
	value = protowire.AppendBytes(value, tensor)

	return encodeSummaryEvent(ev, value)
}

// encodeSummaryEvent wraps one Summary.Value into an Event.
func encodeSummaryEvent(ev ScalarEvent, value []byte) []byte {
	var summary []byte
	summary = protowire.AppendTag(summary, summaryValue, protowire.BytesType)
	summary = protowire.AppendBytes(summary, value)

	var event []byte
	event = protowire.AppendTag(event, eventWallTime, protowire.Fixed64Type)
	event = protowire.AppendFixed64(event, math.Float64bits(ev.WallTime))
	event = protowire.AppendTag(event, eventStep, protowire.VarintType)
	event = protowire.AppendVarint(event, uint64(ev.Step))
	event = protowire.AppendTag(event, eventSummary, protowire.BytesType)
	event = protowire.AppendBytes(event, summary)
	return event
}

// encodeFileVersion serializes the header event every event file starts with.
func encodeFileVersion(wallTime float64) []byte {
	var event []byte
	event = protowire.AppendTag(event, eventWallTime, protowire.Fixed64Type)
	event = protowire.AppendFixed64(event, math.Float64bits(wallTime))
	event = protowire.AppendTag(event, eventFileVersion, protowire.BytesType)
	event = protowire.AppendString(event, "brain.Event:2")
	return event
}
