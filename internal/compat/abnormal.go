package compat

// AbnormalKind names one of spec.md §4.4.2's abnormal-response
// classifications. Abnormal responses surface as structured errors
// (spec.md §7) and are never silently normalized into a well-formed
// envelope.
type AbnormalKind string

const (
	AbnormalNone             AbnormalKind = ""
	AbnormalAPIError         AbnormalKind = "api_error"
	AbnormalEmptyResponse    AbnormalKind = "empty_response"
	AbnormalConnectionError  AbnormalKind = "connection_error"
	AbnormalMissingFinish    AbnormalKind = "missing_finish_reason"
)

// ClassifyAbnormal runs the non-streaming classification checks in this
// order: connection_error (networkErr set), api_error (an "error" field or
// a status >= 400), empty_response (an empty body). Call before any finish-reason repair — if this returns
// non-none, no further normalization should be attempted.
func ClassifyAbnormal(raw map[string]any, httpStatus int, networkErr error) AbnormalKind {
	if networkErr != nil {
		return AbnormalConnectionError
	}
	if _, hasErr := raw["error"]; hasErr {
		return AbnormalAPIError
	}
	if httpStatus >= 400 {
		return AbnormalAPIError
	}
	if len(raw) == 0 {
		return AbnormalEmptyResponse
	}
	return AbnormalNone
}

// ClassifyMissingFinishReason implements the fourth abnormal-response
// check: a stream that ended having produced output tokens but never
// reported a finish reason.
func ClassifyMissingFinishReason(streamEnded bool, outputTokens int, finishReason string) bool {
	return streamEnded && outputTokens > 0 && finishReason == ""
}
