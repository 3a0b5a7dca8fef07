package rtp

import "errors"

// Sentinel errors for rtp package operations.
// These errors enable reliable error classification using errors.Is().

// Parse errors. A datagram failing with one of these is dropped by the
// session; they never surface as session errors.
var (
	// ErrInvalidVersion indicates the header version bits do not match Version.
	ErrInvalidVersion = errors.New("invalid RTP version")

	// ErrTruncatedHeader indicates the buffer is shorter than 12 + 4*cc bytes.
	ErrTruncatedHeader = errors.New("truncated RTP header")

	// ErrTruncatedExtension indicates an extension header claims more words
	// than the buffer holds.
	ErrTruncatedExtension = errors.New("truncated RTP extension header")

	// ErrOversizedPayload indicates a payload above limits.MaxRTPPayload.
	ErrOversizedPayload = errors.New("oversized RTP payload")

	// ErrTruncatedReport indicates a loss report shorter than ReportSize.
	ErrTruncatedReport = errors.New("truncated RTCP report")

	// ErrZeroExpected indicates a loss report with no expected packets.
	ErrZeroExpected = errors.New("RTCP report with zero expected packets")
)

// Serialization errors.
var (
	// ErrTooManyContributors indicates more than MaxContributors CSRC entries.
	ErrTooManyContributors = errors.New("too many contributing sources")

	// ErrContributorMismatch indicates the packed count disagrees with the CSRC list.
	ErrContributorMismatch = errors.New("contributor count does not match CSRC list")

	// ErrMissingExtension indicates the extension flag does not match the
	// presence of an extension header.
	ErrMissingExtension = errors.New("extension flag does not match extension header")

	// ErrExtensionTooLong indicates an extension table over 65535 words.
	ErrExtensionTooLong = errors.New("extension table too long")
)

// Session errors.
var (
	// ErrSendFailed indicates the transport rejected an outbound datagram.
	ErrSendFailed = errors.New("RTP send failed")

	// ErrSessionClosed indicates the session has been closed.
	ErrSessionClosed = errors.New("RTP session closed")
)
