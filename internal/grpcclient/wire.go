package grpcclient

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/minutemate/platform/internal/pipeline"
)

// Transcribe response: {"text": string, "words": [{"text", "start", "end"}]}
func decodeTranscript(s *structpb.Struct) (string, []pipeline.WordSpan) {
	fields := s.GetFields()
	text := fields["text"].GetStringValue()

	var words []pipeline.WordSpan
	for _, v := range fields["words"].GetListValue().GetValues() {
		w := v.GetStructValue().GetFields()
		words = append(words, pipeline.WordSpan{
			Text:  w["text"].GetStringValue(),
			Start: w["start"].GetNumberValue(),
			End:   w["end"].GetNumberValue(),
		})
	}
	return text, words
}

// Classify response: {"results": [{"sequence", "label", "score"}]}
func decodeClassifications(s *structpb.Struct) []pipeline.Classification {
	var out []pipeline.Classification
	for _, v := range s.GetFields()["results"].GetListValue().GetValues() {
		r := v.GetStructValue().GetFields()
		out = append(out, pipeline.Classification{
			Sentence: r["sequence"].GetStringValue(),
			Label:    r["label"].GetStringValue(),
			Score:    r["score"].GetNumberValue(),
		})
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
