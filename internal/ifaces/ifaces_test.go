package ifaces

import (
	"net"
	"testing"
)

func testLookup(reply map[string]*net.Interface) lookupInterface {
	return func(name string) (*net.Interface, error) {
		ni, ok := reply[name]
		if !ok {
			return nil, &net.OpError{Op: "route", Err: errNotFound(name)}
		}

		return ni, nil
	}
}

type errNotFound string

func (e errNotFound) Error() string { return "no such interface " + string(e) }

func TestNewRegistry(t *testing.T) {
	mac := func(s string) net.HardwareAddr { hw, _ := net.ParseMAC(s); return hw }

	reply := map[string]*net.Interface{
		"wan0": {Index: 1, Name: "wan0", MTU: 1500, HardwareAddr: mac("aa:bb:cc:dd:ee:ff")},
		"lan0": {Index: 2, Name: "lan0", MTU: 1500, HardwareAddr: mac("11:22:33:44:55:66")},
		"lan1": {Index: 3, Name: "lan1", MTU: 9000, HardwareAddr: mac("11:22:33:44:55:67")},
	}

	reg, err := newRegistry("wan0", []string{"lan0", "lan1"}, []bool{false, true}, testLookup(reply))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if reg.Master().Name != "wan0" || reg.Master().Role != RoleMaster {
		t.Fatalf("unexpected master: %+v", reg.Master())
	}

	slaves := reg.Slaves()
	if len(slaves) != 2 {
		t.Fatalf("want 2 slaves, got %d", len(slaves))
	}

	if slaves[0].External || !slaves[1].External {
		t.Fatalf("unexpected external flags: %v, %v", slaves[0].External, slaves[1].External)
	}

	if ifc, ok := reg.ByIndex(2); !ok || ifc.Name != "lan0" {
		t.Fatalf("ByIndex(2) = %+v, %v", ifc, ok)
	}

	if _, ok := reg.ByIndex(99); ok {
		t.Fatalf("ByIndex(99) unexpectedly found")
	}
}

func TestNewRegistryRejectsLoopbackSlave(t *testing.T) {
	reply := map[string]*net.Interface{
		"wan0": {Index: 1, Name: "wan0", MTU: 1500},
		"lo":   {Index: 2, Name: "lo", MTU: 65536, Flags: net.FlagLoopback},
	}

	_, err := newRegistry("wan0", []string{"lo"}, []bool{false}, testLookup(reply))
	if err == nil {
		t.Fatal("expected an error for a loopback slave")
	}
}

func TestNewRegistryMissingMaster(t *testing.T) {
	_, err := newRegistry("wan0", nil, nil, testLookup(nil))
	if err == nil {
		t.Fatal("expected an error for a missing master")
	}
}

func TestNewRegistryDuplicate(t *testing.T) {
	reply := map[string]*net.Interface{
		"wan0": {Index: 1, Name: "wan0", MTU: 1500},
		"lan0": {Index: 2, Name: "lan0", MTU: 1500},
	}

	_, err := newRegistry("wan0", []string{"lan0", "lan0"}, nil, testLookup(reply))
	if err == nil {
		t.Fatal("expected a duplicate-interface error")
	}
}
