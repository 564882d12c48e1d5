package handler

import (
	"errors"
	"testing"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func respEnvelope(reqID int64, status int32, result rt.Value) envelope.Envelope {
	var a addr.Address
	return envelope.NewEnvelope(a, a, 0, envelope.Response{ReqID: reqID, Status: status, Result: result})
}

func TestPackFiresOnlyWhenAllReceived(t *testing.T) {
	fired := 0
	p := NewPack(func(*Pack) { fired++ })
	p.Add(1)
	p.Add(2)
	p.Add(3)

	p.HandleResult(respEnvelope(1, 0, rt.String("a")))
	assert.Equal(t, 0, fired)

	p.HandleResult(respEnvelope(2, 0, rt.String("b")))
	assert.Equal(t, 0, fired)

	p.HandleError(respEnvelope(3, -2, rt.Null()))
	assert.Equal(t, 1, fired)
	assert.Equal(t, 3, p.ReceivedCount())
	assert.Equal(t, 1, p.ErrorCount())
}

func TestPackFiresExactlyOnceWithCommError(t *testing.T) {
	fired := 0
	p := NewPack(func(*Pack) { fired++ })
	p.Add(1)
	p.Add(2)

	p.HandleResult(respEnvelope(1, 0, rt.String("ok")))
	p.HandleCommError(2, PhaseWait, errors.New("connection dropped"))

	assert.Equal(t, 1, fired)
	assert.Equal(t, 2, p.ReceivedCount())
	assert.Equal(t, 1, p.ErrorCount())
}

// TestPackCommErrorAttributesToTheFailedMemberOnly guards against
// HandleCommError marking an arbitrary still-outstanding member instead of
// the one requestID actually names: with three members outstanding, only
// the middle one's comm error should count, leaving the other two free to
// still report their own outcome.
func TestPackCommErrorAttributesToTheFailedMemberOnly(t *testing.T) {
	fired := 0
	p := NewPack(func(*Pack) { fired++ })
	p.Add(1)
	p.Add(2)
	p.Add(3)

	p.HandleCommError(2, PhaseWait, errors.New("timed out"))
	assert.Equal(t, 0, fired)
	assert.Equal(t, 1, p.ReceivedCount())
	assert.Equal(t, 1, p.ErrorCount())

	p.HandleResult(respEnvelope(1, 0, rt.String("a")))
	p.HandleResult(respEnvelope(3, 0, rt.String("c")))

	assert.Equal(t, 1, fired)
	assert.Equal(t, 3, p.ReceivedCount())
	assert.Equal(t, 1, p.ErrorCount())

	results, skipped := p.GetFullResult()
	assert.Equal(t, 2, len(results))
	assert.Equal(t, 1, len(skipped.GetAll()))
}

func TestPackGetFullResultSkipsErrors(t *testing.T) {
	p := NewPack(nil)
	p.Add(1)
	p.Add(2)
	p.Add(3)

	p.HandleResult(respEnvelope(1, 0, rt.String("a")))
	p.HandleError(respEnvelope(2, -2, rt.Null()))
	p.HandleResult(respEnvelope(3, 0, rt.String("c")))

	results, skipped := p.GetFullResult()
	assert.Equal(t, 2, len(results))
	assert.True(t, skipped.HasErrors())
	assert.Equal(t, 1, len(skipped.GetAll()))
}

func TestSplitEvenDivision(t *testing.T) {
	base := rt.Map(map[string]rt.Value{
		"items": rt.List(rt.Int64(1), rt.Int64(2), rt.Int64(3), rt.Int64(4)),
	})
	out := Split(base, "items", 2)
	assert.Equal(t, 2, len(out))
	first, _ := out[0].Get("items")
	second, _ := out[1].Get("items")
	assert.Equal(t, 2, len(first.AsList()))
	assert.Equal(t, 2, len(second.AsList()))
}

func TestSplitRemainderOnLastSlice(t *testing.T) {
	base := rt.Map(map[string]rt.Value{
		"items": rt.List(rt.Int64(1), rt.Int64(2), rt.Int64(3), rt.Int64(4), rt.Int64(5)),
	})
	out := Split(base, "items", 2)
	assert.Equal(t, 2, len(out))
	first, _ := out[0].Get("items")
	second, _ := out[1].Get("items")
	assert.Equal(t, 2, len(first.AsList()))
	assert.Equal(t, 3, len(second.AsList()))
}

func TestSplitChunkCountExceedsItems(t *testing.T) {
	base := rt.Map(map[string]rt.Value{
		"items": rt.List(rt.Int64(1), rt.Int64(2)),
	})
	out := Split(base, "items", 5)
	assert.Equal(t, 2, len(out))
}

func TestSplitNonListKeyReturnsBaseUnsplit(t *testing.T) {
	base := rt.Map(map[string]rt.Value{"items": rt.Int64(42)})
	out := Split(base, "items", 3)
	assert.Equal(t, 1, len(out))
}
