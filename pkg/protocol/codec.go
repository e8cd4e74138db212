package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	claimerrors "github.com/xqms/gpu-claim/pkg/errors"
)

// encoder writes the wire format: fixed-width integers in little-endian
// order, length-prefixed (uint32) strings and slices, and millisecond-
// resolution uint64 timestamps. New fields may only be appended to the end
// of a struct's encoding, never inserted, to keep older decoders able to
// ignore the tail they don't understand.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8)   { e.buf.WriteByte(v) }
func (e *encoder) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); e.buf.Write(b[:]) }
func (e *encoder) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); e.buf.Write(b[:]) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }
func (e *encoder) f32(v float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	e.buf.Write(b[:])
}
func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}
func (e *encoder) str(v string) {
	e.u32(uint32(len(v)))
	e.buf.WriteString(v)
}
func (e *encoder) timestamp(t time.Time) {
	e.u64(uint64(t.UnixMilli()))
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

// decoder reads the format written by encoder, erroring out on short reads
// rather than panicking, since frames arrive from untrusted clients.
type decoder struct {
	r   *bytes.Reader
	err error
}

func newDecoder(b []byte) *decoder { return &decoder{r: bytes.NewReader(b)} }

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	v, err := d.r.ReadByte()
	if err != nil {
		d.fail(err)
		return 0
	}
	return v
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail(err)
		return nil
	}
	return b
}

func (d *decoder) u32() uint32 {
	b := d.read(4)
	if d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.read(8)
	if d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i32() int32 { return int32(d.u32()) }
func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) f32() float32 {
	return math.Float32frombits(d.u32())
}

func (d *decoder) boolean() bool { return d.u8() != 0 }

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil || n == 0 {
		return ""
	}
	if int(n) > d.r.Len() {
		d.fail(fmt.Errorf("string length %d exceeds remaining frame", n))
		return ""
	}
	return string(d.read(int(n)))
}

func (d *decoder) timestamp() time.Time {
	ms := d.u64()
	if d.err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func (e *encoder) process(p Process) {
	e.i32(p.UID)
	e.i32(p.PID)
	e.u64(p.Memory)
}

func (d *decoder) process() Process {
	return Process{UID: d.i32(), PID: d.i32(), Memory: d.u64()}
}

func (e *encoder) card(c Card) {
	e.u32(c.Index)
	e.u32(c.MinorID)
	e.str(c.Name)
	e.str(c.UUID)
	e.u8(c.ComputeUsagePercent)
	e.u64(c.MemoryTotal)
	e.u64(c.MemoryUsage)
	e.u32(c.TemperatureCelsius)
	e.i32(c.ReservedByUID)

	e.u32(uint32(len(c.ClientPIDs)))
	for _, pid := range c.ClientPIDs {
		e.i32(pid)
	}

	e.u32(uint32(len(c.Processes)))
	for _, p := range c.Processes {
		e.process(p)
	}

	e.timestamp(c.LastUsageTime)
}

func (d *decoder) card() Card {
	c := Card{
		Index:               d.u32(),
		MinorID:             d.u32(),
		Name:                d.str(),
		UUID:                d.str(),
		ComputeUsagePercent: d.u8(),
		MemoryTotal:         d.u64(),
		MemoryUsage:         d.u64(),
		TemperatureCelsius:  d.u32(),
		ReservedByUID:       d.i32(),
	}

	n := d.u32()
	c.ClientPIDs = make([]int32, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		c.ClientPIDs = append(c.ClientPIDs, d.i32())
	}

	n = d.u32()
	c.Processes = make([]Process, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		c.Processes = append(c.Processes, d.process())
	}

	c.LastUsageTime = d.timestamp()

	return c
}

func (e *encoder) job(j Job) {
	e.i32(j.UID)
	e.i32(j.PID)
	e.i64(j.NumGPUs)
	e.f32(j.Priority)
	e.timestamp(j.SubmissionTime)
}

func (d *decoder) job() Job {
	return Job{
		UID:            d.i32(),
		PID:            d.i32(),
		NumGPUs:        d.i64(),
		Priority:       d.f32(),
		SubmissionTime: d.timestamp(),
	}
}

// EncodeRequest serializes req as a tagged frame.
func EncodeRequest(req Request) ([]byte, error) {
	e := &encoder{}

	switch {
	case req.Status != nil:
		e.u8(uint8(KindStatusRequest))
	case req.Claim != nil:
		e.u8(uint8(KindClaimRequest))
		e.u32(req.Claim.NumGPUs)
		e.boolean(req.Claim.Wait)
	case req.CoRun != nil:
		e.u8(uint8(KindCoRunRequest))
		e.u32(uint32(len(req.CoRun.GPUs)))
		for _, g := range req.CoRun.GPUs {
			e.u32(g)
		}
	case req.Release != nil:
		e.u8(uint8(KindReleaseRequest))
		e.u32(uint32(len(req.Release.GPUs)))
		for _, g := range req.Release.GPUs {
			e.u32(g)
		}
	default:
		return nil, fmt.Errorf("empty request")
	}

	return e.bytes(), nil
}

// DecodeRequest parses a frame written by EncodeRequest.
func DecodeRequest(b []byte) (Request, error) {
	d := newDecoder(b)
	kind := Kind(d.u8())

	var req Request

	switch kind {
	case KindStatusRequest:
		req.Status = &StatusRequest{}
	case KindClaimRequest:
		req.Claim = &ClaimRequest{NumGPUs: d.u32(), Wait: d.boolean()}
	case KindCoRunRequest:
		n := d.u32()
		gpus := make([]uint32, 0, min(n, uint32(d.r.Len()/4)))
		for i := uint32(0); i < n && d.err == nil; i++ {
			gpus = append(gpus, d.u32())
		}
		req.CoRun = &CoRunRequest{GPUs: gpus}
	case KindReleaseRequest:
		n := d.u32()
		gpus := make([]uint32, 0, min(n, uint32(d.r.Len()/4)))
		for i := uint32(0); i < n && d.err == nil; i++ {
			gpus = append(gpus, d.u32())
		}
		req.Release = &ReleaseRequest{GPUs: gpus}
	default:
		return Request{}, fmt.Errorf("%w: tag %d", claimerrors.ErrUnknownMessageKind, kind)
	}

	if d.err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", d.err)
	}

	return req, nil
}

// EncodeResponse serializes resp as a tagged frame.
func EncodeResponse(resp Response) ([]byte, error) {
	e := &encoder{}

	switch {
	case resp.Status != nil:
		e.u8(uint8(KindStatusResponse))
		e.u32(uint32(len(resp.Status.Cards)))
		for _, c := range resp.Status.Cards {
			e.card(c)
		}
		e.u32(uint32(len(resp.Status.JobsInQueue)))
		for _, j := range resp.Status.JobsInQueue {
			e.job(j)
		}
		e.boolean(resp.Status.Maintenance)
	case resp.Claim != nil:
		e.u8(uint8(KindClaimResponse))
		e.u32(uint32(len(resp.Claim.ClaimedCards)))
		for _, c := range resp.Claim.ClaimedCards {
			e.card(c)
		}
		e.str(resp.Claim.Error)
	case resp.Release != nil:
		e.u8(uint8(KindReleaseResponse))
		e.str(resp.Release.Errors)
	default:
		return nil, fmt.Errorf("empty response")
	}

	return e.bytes(), nil
}

// DecodeResponse parses a frame written by EncodeResponse.
func DecodeResponse(b []byte) (Response, error) {
	d := newDecoder(b)
	kind := Kind(d.u8())

	var resp Response

	switch kind {
	case KindStatusResponse:
		s := &StatusResponse{}
		n := d.u32()
		s.Cards = make([]Card, 0, n)
		for i := uint32(0); i < n && d.err == nil; i++ {
			s.Cards = append(s.Cards, d.card())
		}
		n = d.u32()
		s.JobsInQueue = make([]Job, 0, n)
		for i := uint32(0); i < n && d.err == nil; i++ {
			s.JobsInQueue = append(s.JobsInQueue, d.job())
		}
		s.Maintenance = d.boolean()
		resp.Status = s
	case KindClaimResponse:
		c := &ClaimResponse{}
		n := d.u32()
		c.ClaimedCards = make([]Card, 0, n)
		for i := uint32(0); i < n && d.err == nil; i++ {
			c.ClaimedCards = append(c.ClaimedCards, d.card())
		}
		c.Error = d.str()
		resp.Claim = c
	case KindReleaseResponse:
		resp.Release = &ReleaseResponse{Errors: d.str()}
	default:
		return Response{}, fmt.Errorf("%w: tag %d", claimerrors.ErrUnknownMessageKind, kind)
	}

	if d.err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", d.err)
	}

	return resp, nil
}
