package riva

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

// Field numbers of the riva_asr.proto messages used by the streaming call.
const (
	// StreamingRecognizeRequest
	fieldStreamingConfig = 1
	fieldAudioContent    = 2

	// StreamingRecognitionConfig
	fieldConfig         = 1
	fieldInterimResults = 2

	// RecognitionConfig
	fieldEncoding             = 1
	fieldSampleRateHertz      = 2
	fieldLanguageCode         = 3
	fieldMaxAlternatives      = 4
	fieldAutomaticPunctuation = 11
	fieldModel                = 13
	fieldVerbatimTranscripts  = 14

	// StreamingRecognizeResponse
	fieldResults = 1

	// StreamingRecognitionResult
	fieldAlternatives = 1
	fieldIsFinal      = 2
	fieldStability    = 3

	// SpeechRecognitionAlternative
	fieldTranscript = 1
	fieldConfidence = 2
)

// marshalRequest encodes req as a StreamingRecognizeRequest.
func marshalRequest(req asr.Request) []byte {
	if req.Config != nil {
		var sc []byte
		sc = protowire.AppendTag(sc, fieldConfig, protowire.BytesType)
		sc = protowire.AppendBytes(sc, marshalRecognitionConfig(*req.Config))
		sc = appendBool(sc, fieldInterimResults, req.Config.InterimResults)

		b := protowire.AppendTag(nil, fieldStreamingConfig, protowire.BytesType)
		return protowire.AppendBytes(b, sc)
	}
	b := protowire.AppendTag(make([]byte, 0, len(req.Audio)+8), fieldAudioContent, protowire.BytesType)
	return protowire.AppendBytes(b, req.Audio)
}

func marshalRecognitionConfig(c asr.RecognitionConfig) []byte {
	var b []byte
	b = appendVarint(b, fieldEncoding, uint64(c.Encoding))
	b = appendVarint(b, fieldSampleRateHertz, uint64(c.SampleRateHz))
	if c.LanguageCode != "" {
		b = protowire.AppendTag(b, fieldLanguageCode, protowire.BytesType)
		b = protowire.AppendString(b, c.LanguageCode)
	}
	b = appendVarint(b, fieldMaxAlternatives, uint64(c.MaxAlternatives))
	b = appendBool(b, fieldAutomaticPunctuation, c.AutomaticPunctuation)
	if c.Model != "" {
		b = protowire.AppendTag(b, fieldModel, protowire.BytesType)
		b = protowire.AppendString(b, c.Model)
	}
	b = appendBool(b, fieldVerbatimTranscripts, c.VerbatimTranscripts)
	return b
}

// appendVarint writes a scalar varint field, omitting the proto3 zero value.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

// unmarshalResponse decodes a StreamingRecognizeResponse. Unknown fields are
// skipped.
func unmarshalResponse(data []byte) (asr.Response, error) {
	var resp asr.Response
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == fieldResults && typ == protowire.BytesType {
			res, err := unmarshalResult(v)
			if err != nil {
				return err
			}
			resp.Results = append(resp.Results, res)
		}
		return nil
	})
	if err != nil {
		return asr.Response{}, fmt.Errorf("riva: decode response: %w", err)
	}
	return resp, nil
}

func unmarshalResult(data []byte) (asr.Result, error) {
	var res asr.Result
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch {
		case num == fieldAlternatives && typ == protowire.BytesType:
			alt, err := unmarshalAlternative(v)
			if err != nil {
				return err
			}
			res.Alternatives = append(res.Alternatives, alt)
		case num == fieldIsFinal && typ == protowire.VarintType:
			res.IsFinal = protowire.DecodeBool(scalar)
		case num == fieldStability && typ == protowire.Fixed32Type:
			res.Stability = math.Float32frombits(uint32(scalar))
		}
		return nil
	})
	return res, err
}

func unmarshalAlternative(data []byte) (asr.Alternative, error) {
	var alt asr.Alternative
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch {
		case num == fieldTranscript && typ == protowire.BytesType:
			alt.Transcript = string(v)
		case num == fieldConfidence && typ == protowire.Fixed32Type:
			alt.Confidence = math.Float32frombits(uint32(scalar))
		}
		return nil
	})
	return alt, err
}

// walk iterates over the top-level fields of a protobuf message. For
// length-delimited fields v holds the payload; for varint and fixed-width
// fields scalar holds the raw value.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var (
			v      []byte
			scalar uint64
		)
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(data)
			scalar = uint64(x)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := fn(num, typ, v, scalar); err != nil {
			return err
		}
	}
	return nil
}
