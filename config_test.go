// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"testing"

	"github.com/spf13/viper"

	"github.com/dandrader/usb-bridge/bridge"
	"github.com/dandrader/usb-bridge/usbip"
)

func TestGetConfiguredFilters(t *testing.T) {
	viper.Set("filters", []interface{}{
		map[string]interface{}{"vendor": 0xdead, "product": 0xbeef},
		map[string]interface{}{"vendor": 0xcafe},
	})
	defer viper.Set("filters", nil)

	filters, err := getConfiguredFilters()
	if err != nil {
		t.Fatal(err)
	}
	want := []bridge.DeviceFilter{
		{Vendor: 0xdead, Product: 0xbeef},
		{Vendor: 0xcafe},
	}
	if len(filters) != len(want) {
		t.Fatalf("got %d filters; want %d", len(filters), len(want))
	}
	for i := range want {
		if filters[i] != want[i] {
			t.Errorf("filter %d: got %v; want %v", i, filters[i], want[i])
		}
	}
}

func TestGetConfiguredTargets(t *testing.T) {
	viper.Set("targets", []interface{}{
		map[string]interface{}{"host": "exporter", "port": 3240},
	})
	defer viper.Set("targets", nil)

	targets, err := getConfiguredTargets()
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0] != (usbip.Target{Host: "exporter", Port: 3240}) {
		t.Errorf("got %v; want [{exporter 3240}]", targets)
	}
}

func TestDecodeListRejectsScalar(t *testing.T) {
	if _, err := decodeList[bridge.DeviceFilter]("nope", "filter"); err == nil {
		t.Error("decoding a scalar succeeded")
	}
}
