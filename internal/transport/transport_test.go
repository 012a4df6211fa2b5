package transport

import (
	"testing"
	"time"
)

type call struct {
	op       string
	dtr, rts bool
}

type fakePort struct {
	calls []call
}

func (f *fakePort) SetBaudRate(baud int) error { return nil }
func (f *fakePort) Read(timeout time.Duration) ([]byte, error) { return nil, nil }
func (f *fakePort) Write(data []byte) error    { return nil }
func (f *fakePort) Flush() error {
	f.calls = append(f.calls, call{op: "flush"})
	return nil
}
func (f *fakePort) SetDTR(assert bool) error {
	f.calls = append(f.calls, call{op: "dtr", dtr: assert})
	return nil
}
func (f *fakePort) SetRTS(assert bool) error {
	f.calls = append(f.calls, call{op: "rts", rts: assert})
	return nil
}
func (f *fakePort) SetDTRRTS(dtr, rts bool) error {
	f.calls = append(f.calls, call{op: "dtrrts", dtr: dtr, rts: rts})
	return nil
}
func (f *fakePort) Close() error { return nil }

func TestResetUSBJTAGSerial_EndsWithFlush(t *testing.T) {
	p := &fakePort{}
	if err := ResetUSBJTAGSerial(p); err != nil {
		t.Fatalf("ResetUSBJTAGSerial() error = %v", err)
	}
	if len(p.calls) == 0 || p.calls[len(p.calls)-1].op != "flush" {
		t.Errorf("expected choreography to end with a flush, calls = %+v", p.calls)
	}
}

func TestResetUSBJTAGSerial_ReassertsRTS(t *testing.T) {
	p := &fakePort{}
	if err := ResetUSBJTAGSerial(p); err != nil {
		t.Fatalf("ResetUSBJTAGSerial() error = %v", err)
	}

	// Step 3 must be three independent calls — RTS=true, DTR=false,
	// RTS=true — not a single combined DTR+RTS write, since the trailing
	// RTS re-set only latches DTR on an RTS edge.
	var step3 []call
	for _, c := range p.calls {
		if c.op == "rts" || c.op == "dtr" {
			step3 = append(step3, c)
		}
	}
	if len(step3) != 3 ||
		step3[0] != (call{op: "rts", rts: true}) ||
		step3[1] != (call{op: "dtr", dtr: false}) ||
		step3[2] != (call{op: "rts", rts: true}) {
		t.Errorf("expected RTS=true, DTR=false, RTS=true as three separate calls, got %+v", step3)
	}
}

func TestResetClassic_EndsWithDTRLowThenFlush(t *testing.T) {
	p := &fakePort{}
	if err := ResetClassic(p); err != nil {
		t.Fatalf("ResetClassic() error = %v", err)
	}

	last := p.calls[len(p.calls)-2]
	if last.op != "dtr" || last.dtr != false {
		t.Errorf("expected second-to-last call to release DTR, got %+v", last)
	}
	if p.calls[len(p.calls)-1].op != "flush" {
		t.Error("expected choreography to end with a flush")
	}
}

func TestResetHard_PulsesRTS(t *testing.T) {
	p := &fakePort{}
	if err := ResetHard(p); err != nil {
		t.Fatalf("ResetHard() error = %v", err)
	}

	var rtsSeq []bool
	for _, c := range p.calls {
		if c.op == "rts" {
			rtsSeq = append(rtsSeq, c.rts)
		}
	}
	if len(rtsSeq) != 2 || rtsSeq[0] != true || rtsSeq[1] != false {
		t.Errorf("expected RTS pulse [true, false], got %v", rtsSeq)
	}
}

func TestResetHard_DTRReleasedFirst(t *testing.T) {
	p := &fakePort{}
	if err := ResetHard(p); err != nil {
		t.Fatalf("ResetHard() error = %v", err)
	}
	if p.calls[0].op != "dtr" || p.calls[0].dtr != false {
		t.Errorf("expected first call to release DTR, got %+v", p.calls[0])
	}
}
