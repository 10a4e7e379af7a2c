package bfd

import (
	"math/rand/v2"
	"time"
)

// -------------------------------------------------------------------------
// Timing model — negotiated transmit interval, jitter, detection time
// -------------------------------------------------------------------------
//
// All interval arithmetic here operates in microseconds, matching the BFD
// wire format (RFC 5880 Section 4.1). Interface-configuration values are
// read in milliseconds and converted once, at the Neighbor boundary.

// jitterLowMulti is the lower bound of the jitter range used when the
// remote detect multiplier is 1. A detect-mult-1 peer has no tolerance
// for a transmission arriving late, so the range is narrowed and shifted
// down (RFC 5880 Section 6.8.7).
const jitterLowMulti = 0.75

// jitterHighMulti is the upper bound of the jitter range when the remote
// detect multiplier is 1.
const jitterHighMulti = 0.90

// jitterLow is the lower bound of the jitter range for the general case.
const jitterLow = 0.75

// jitterHigh is the upper bound of the jitter range for the general case.
const jitterHigh = 1.00

// negotiatedTxInterval computes the negotiated base transmit interval in
// microseconds per RFC 5880 Section 6.8.7: the larger of what the peer is
// willing to receive and what we want to send.
func negotiatedTxInterval(remoteRequiredMinRx, localDesiredMinTx uint32) uint32 {
	return max(remoteRequiredMinRx, localDesiredMinTx)
}

// jitteredTxInterval applies RFC 5880 Section 6.8.7 jitter to negtxint,
// returning the actual interval (microseconds) at which the next hello
// packet should be scheduled. Jitter is drawn freshly on every call — it
// must never be cached across transmissions, or sessions lock-step.
//
// If the remote detect multiplier is 1, the reduction is tightened to
// [0.75, 0.90] of negtxint so the transmitter never risks arriving at
// the very edge of the peer's single-packet detection window. Otherwise
// the full [0.75, 1.00] range applies.
func jitteredTxInterval(negTxIntervalUs uint32, remoteDetectMult uint8) uint32 {
	low, high := jitterLow, jitterHigh
	if remoteDetectMult == 1 {
		low, high = jitterLowMulti, jitterHighMulti
	}

	u := low + rand.Float64()*(high-low)

	return uint32(float64(negTxIntervalUs) * u)
}

// detectionTime computes the detection time (microseconds) per RFC 5880
// Section 6.8.4: the remote detect multiplier times the larger of our
// required-min-rx and the peer's desired-min-tx. This is the liveness
// budget armed on the detection timer after every accepted packet.
func detectionTime(remoteDetectMult uint8, localRequiredMinRx, remoteDesiredMinTx uint32) uint32 {
	return uint32(remoteDetectMult) * max(localRequiredMinRx, remoteDesiredMinTx)
}

// usFromMillis converts an interface-configuration value in milliseconds
// to the microsecond units used internally and on the wire.
func usFromMillis(ms uint32) uint32 {
	return ms * 1000
}

// microseconds is a convenience conversion from the wire/internal
// microsecond representation to a time.Duration for timer arming.
func microseconds(us uint32) time.Duration {
	return time.Duration(us) * time.Microsecond
}
