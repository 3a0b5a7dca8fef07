package rtp

import (
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

const (
	// ReportInterval is the minimum spacing between outbound loss reports.
	ReportInterval = 500 * time.Millisecond

	// ReportMaxAge is the age at which a received report stops counting.
	ReportMaxAge = 6000 * time.Millisecond

	// ReportWindowSize is the number of reports evaluated together.
	ReportWindowSize = 4

	// DegradedLossThreshold is the summed loss percentage of a full window
	// above which the stream is flagged as degraded.
	DegradedLossThreshold = 40

	// rtcpPrefixBase offsets the report prefix from the media prefix.
	rtcpPrefixBase = 222
)

// RTCPPrefix returns the loss report packet id paired with a media packet id.
func RTCPPrefix(payloadType byte) byte {
	return rtcpPrefixBase + payloadType%192
}

// Report is a received loss report held in the window.
type Report struct {
	Timestamp       time.Time // local receive time
	PacketsMissing  uint32
	ExpectedPackets uint32
}

// LossPercent returns floor(missing*100/expected). Expected must be non-zero.
func (r Report) LossPercent() uint32 {
	return uint32(uint64(r.PacketsMissing) * 100 / uint64(r.ExpectedPackets))
}

// Verdict is the outcome of evaluating a full window of fresh reports.
type Verdict struct {
	LossSum  uint32 // sum of the four per-report loss percentages
	Degraded bool   // LossSum > DegradedLossThreshold
}

// LossMonitor aggregates the peer's loss reports for one stream and tracks
// the local loss counts reported back to the peer.
//
// LossMonitor is not safe for concurrent use; the owning Session serialises
// access.
type LossMonitor struct {
	prefix byte
	clock  TimeProvider

	lastSentReport time.Time
	lastMissing    uint32
	lastExpected   uint32

	window deque.Deque[Report]

	// counts set by SetLossCounts win over the interval accounting until
	// the next successful report
	override bool

	// receive-side counters for the current report interval
	intervalStarted  bool
	intervalBase     uint16
	intervalHigh     uint16
	intervalReceived uint32

	// highest sequence number accounted for by a closed interval
	prevHigh    uint16
	hasPrevHigh bool
}

// NewLossMonitor creates a monitor whose outbound reports carry prefix.
func NewLossMonitor(prefix byte, clock TimeProvider) *LossMonitor {
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	return &LossMonitor{
		prefix: prefix,
		clock:  clock,
	}
}

// Prefix returns the packet id used by this monitor's reports.
func (lm *LossMonitor) Prefix() byte {
	return lm.prefix
}

// HandleReport ingests a loss report datagram from the peer.
//
// Reports with zero expected packets are dropped with ErrZeroExpected and
// never enter the window.
func (lm *LossMonitor) HandleReport(data []byte) error {
	rp, err := ParseReportPacket(data)
	if err != nil {
		return err
	}
	if !lm.Push(rp.PacketsMissing, rp.ExpectedPackets) {
		return ErrZeroExpected
	}
	return nil
}

// Push timestamps a report with the local time and appends it to the window,
// evicting the oldest entry when the window is full. It returns false when
// the report was dropped for having zero expected packets.
func (lm *LossMonitor) Push(missing, expected uint32) bool {
	if expected == 0 {
		return false
	}
	if lm.window.Len() >= ReportWindowSize {
		lm.window.PopFront()
	}
	lm.window.PushBack(Report{
		Timestamp:       lm.clock.Now(),
		PacketsMissing:  missing,
		ExpectedPackets: expected,
	})
	return true
}

// WindowLen returns the number of reports currently held.
func (lm *LossMonitor) WindowLen() int {
	return lm.window.Len()
}

// Evaluate produces a verdict when the window holds ReportWindowSize fresh
// reports. Stale reports (aged ReportMaxAge or more) are discarded first and
// the remaining ones are kept, in order, until enough fresh reports arrive.
// Evaluated reports are consumed.
func (lm *LossMonitor) Evaluate() (Verdict, bool) {
	if lm.window.Len() < ReportWindowSize {
		return Verdict{}, false
	}

	now := lm.clock.Now()
	drained := make([]Report, 0, ReportWindowSize)
	for lm.window.Len() > 0 {
		drained = append(drained, lm.window.PopFront())
	}

	stale := 0
	for _, r := range drained {
		if now.Sub(r.Timestamp) < ReportMaxAge {
			lm.window.PushBack(r)
		} else {
			stale++
		}
	}

	if lm.window.Len() < ReportWindowSize {
		logrus.WithFields(logrus.Fields{
			"function": "LossMonitor.Evaluate",
			"prefix":   lm.prefix,
			"stale":    stale,
			"fresh":    lm.window.Len(),
		}).Debug("Stale loss reports discarded, waiting for more samples")
		return Verdict{}, false
	}

	var sum uint32
	for lm.window.Len() > 0 {
		sum += lm.window.PopFront().LossPercent()
	}

	return Verdict{LossSum: sum, Degraded: sum > DegradedLossThreshold}, true
}

// ObservePacket records a received sequence number for the current interval.
//
// After the first report interval, an interval starts right after the highest
// sequence number of the previous one, so packets lost across the boundary
// are still expected. Packets older than that start are late and ignored.
func (lm *LossMonitor) ObservePacket(seq uint16) {
	if !lm.intervalStarted {
		lm.intervalStarted = true
		lm.intervalReceived = 0
		if lm.hasPrevHigh {
			lm.intervalBase = lm.prevHigh + 1
			lm.intervalHigh = lm.prevHigh
		} else {
			lm.intervalBase = seq
			lm.intervalHigh = seq
		}
	}
	if seq != lm.intervalBase && !seqNewer(seq, lm.intervalBase) {
		return
	}
	if seqNewer(seq, lm.intervalHigh) {
		lm.intervalHigh = seq
	}
	lm.intervalReceived++
}

// SetLossCounts overrides the counts carried by the next report. A codec
// layer with better knowledge of frame loss may use this instead of the
// per-packet accounting. The override holds until a report is sent.
func (lm *LossMonitor) SetLossCounts(missing, expected uint32) {
	lm.lastMissing = missing
	lm.lastExpected = expected
	lm.override = true
}

// LossCounts returns the counts that the next report will carry.
func (lm *LossMonitor) LossCounts() (missing, expected uint32) {
	return lm.lastMissing, lm.lastExpected
}

// closeInterval folds the interval counters into the report counts. An
// interval holding only late packets leaves the counts unchanged.
func (lm *LossMonitor) closeInterval() {
	if !lm.intervalStarted {
		return
	}
	lm.intervalStarted = false

	if lm.intervalReceived == 0 {
		return
	}
	expected := uint32(lm.intervalHigh-lm.intervalBase) + 1
	var missing uint32
	if lm.intervalReceived < expected {
		missing = expected - lm.intervalReceived
	}
	lm.prevHigh = lm.intervalHigh
	lm.hasPrevHigh = true

	if lm.override {
		return
	}
	lm.lastMissing = missing
	lm.lastExpected = expected
}

// ReportDue reports whether an outbound report should be sent now. It closes
// the current interval once the report interval has elapsed.
func (lm *LossMonitor) ReportDue() bool {
	if lm.clock.Now().Sub(lm.lastSentReport) < ReportInterval {
		return false
	}
	lm.closeInterval()
	return lm.lastExpected > 0
}

// BuildReport serializes the current loss counts.
func (lm *LossMonitor) BuildReport() []byte {
	rp := ReportPacket{
		Prefix:          lm.prefix,
		PacketsMissing:  lm.lastMissing,
		ExpectedPackets: lm.lastExpected,
	}
	return rp.Marshal()
}

// MarkSent records a successful report transmission and drops any
// SetLossCounts override.
func (lm *LossMonitor) MarkSent() {
	lm.lastSentReport = lm.clock.Now()
	lm.override = false
}

// MarkAttempted records a report transmission that the transport rejected.
// The next attempt waits a full ReportInterval so the interval accounting
// keeps its spacing.
func (lm *LossMonitor) MarkAttempted() {
	lm.lastSentReport = lm.clock.Now()
}

// Reset discards every held report.
func (lm *LossMonitor) Reset() {
	lm.window.Clear()
}

// seqNewer reports whether a is newer than b in 16-bit serial arithmetic.
func seqNewer(a, b uint16) bool {
	return a != b && a-b < 0x8000
}

// tsNewer reports whether a is newer than b in 32-bit serial arithmetic.
func tsNewer(a, b uint32) bool {
	return a != b && a-b < 0x80000000
}
