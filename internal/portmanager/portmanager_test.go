package portmanager

import "testing"

func TestConnectDisconnect(t *testing.T) {
	m := New()
	out := PortRef{ModuleID: 1, Name: "data_out"}
	in := PortRef{ModuleID: 2, Name: "data_in"}
	m.AddPort(out, false)
	m.AddPort(in, true)

	if !m.Connect(out, in) {
		t.Fatal("Connect returned false")
	}
	if got := m.ConnectedTo(out); len(got) != 1 || got[0] != in {
		t.Fatalf("ConnectedTo(out) = %v, want [%v]", got, in)
	}
	if got := m.ConnectedTo(in); len(got) != 1 || got[0] != out {
		t.Fatalf("ConnectedTo(in) = %v, want [%v]", got, out)
	}

	if !m.Disconnect(out, in) {
		t.Fatal("Disconnect returned false")
	}
	if got := m.ConnectedTo(out); len(got) != 0 {
		t.Fatalf("ConnectedTo(out) after disconnect = %v, want empty", got)
	}
}

func TestConnectUnknownPortFails(t *testing.T) {
	m := New()
	if m.Connect(PortRef{ModuleID: 1, Name: "x"}, PortRef{ModuleID: 2, Name: "y"}) {
		t.Fatal("Connect should fail for unregistered ports")
	}
}

func TestModuleInputsSatisfied(t *testing.T) {
	m := New()
	out := PortRef{ModuleID: 1, Name: "out"}
	in := PortRef{ModuleID: 2, Name: "in"}
	m.AddPort(out, false)
	m.AddPort(in, true)
	m.Connect(out, in)

	if m.ModuleInputsSatisfied(2) {
		t.Fatal("inputs should not be satisfied before any arrival")
	}

	m.NoteArrival(in)
	if !m.ModuleInputsSatisfied(2) {
		t.Fatal("inputs should be satisfied after an arrival")
	}

	m.ResetArrivals(in)
	if m.ModuleInputsSatisfied(2) {
		t.Fatal("inputs should not be satisfied after reset")
	}
}

func TestModuleWithNoConnectedInputsIsAlwaysSatisfied(t *testing.T) {
	m := New()
	in := PortRef{ModuleID: 3, Name: "in"}
	m.AddPort(in, true)
	if !m.ModuleInputsSatisfied(3) {
		t.Fatal("module with unconnected input should be trivially satisfied")
	}
}

func TestModuleReadyForPrepareAndReduce(t *testing.T) {
	m := New()
	out := PortRef{ModuleID: 1, Name: "out"}
	in := PortRef{ModuleID: 2, Name: "in"}
	m.AddPort(out, false)
	m.AddPort(in, true)
	m.Connect(out, in)

	if m.ModuleReadyForPrepare(2) {
		t.Fatal("should not be ready for prepare before any reset marker")
	}
	m.NoteReset(in)
	if !m.ModuleReadyForPrepare(2) {
		t.Fatal("should be ready for prepare once the input has a pending reset")
	}

	if m.ModuleReadyForReduce(2) {
		t.Fatal("should not be ready for reduce before any finish marker")
	}
	m.NoteFinish(in)
	if !m.ModuleReadyForReduce(2) {
		t.Fatal("should be ready for reduce once the input has a pending finish")
	}

	m.ClearPending(in)
	if m.ModuleReadyForPrepare(2) || m.ModuleReadyForReduce(2) {
		t.Fatal("ClearPending should reset both barrier counters")
	}
}

func TestCombiningPortNeverGatesPrepareOrReduce(t *testing.T) {
	m := New()
	out := PortRef{ModuleID: 1, Name: "out"}
	in := PortRef{ModuleID: 2, Name: "in"}
	m.AddPort(out, false)
	m.AddPort(in, true)
	m.Connect(out, in)
	m.SetCombining(in, true)

	if !m.ModuleReadyForPrepare(2) || !m.ModuleReadyForReduce(2) {
		t.Fatal("a combining input must never gate Prepare or Reduce firing")
	}
}

func TestInputPortsReturnsOnlyInputsForModule(t *testing.T) {
	m := New()
	out := PortRef{ModuleID: 1, Name: "out"}
	in1 := PortRef{ModuleID: 1, Name: "in1"}
	in2 := PortRef{ModuleID: 2, Name: "in2"}
	m.AddPort(out, false)
	m.AddPort(in1, true)
	m.AddPort(in2, true)

	got := m.InputPorts(1)
	if len(got) != 1 || got[0] != in1 {
		t.Fatalf("InputPorts(1) = %v, want [%v]", got, in1)
	}
}

func TestRemovePortClearsPeerEdges(t *testing.T) {
	m := New()
	out := PortRef{ModuleID: 1, Name: "out"}
	in := PortRef{ModuleID: 2, Name: "in"}
	m.AddPort(out, false)
	m.AddPort(in, true)
	m.Connect(out, in)

	m.RemovePort(out)
	if got := m.ConnectedTo(in); len(got) != 0 {
		t.Fatalf("ConnectedTo(in) after RemovePort(out) = %v, want empty", got)
	}
}
