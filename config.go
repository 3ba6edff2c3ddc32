// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dandrader/usb-bridge/bridge"
	"github.com/dandrader/usb-bridge/usbip"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("backend", "local", "The USB host backend to use. Possible values: local, usbip.")
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("api-listen", ":8081", "The address at which to serve the bridge API.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.Duration("refresh-interval", 30*time.Second, "How often to reconcile the device registry against a fresh enumeration.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usb-bridge/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getConfiguredFilters reads the optional device allow-list. With no
// filters configured, every enumerated device is exposed.
func getConfiguredFilters() ([]bridge.DeviceFilter, error) {
	raw := viper.Get("filters")
	if raw == nil {
		return nil, nil
	}
	return decodeList[bridge.DeviceFilter](raw, "filter")
}

// getConfiguredTargets reads the USB/IP targets for the usbip backend.
func getConfiguredTargets() ([]usbip.Target, error) {
	raw := viper.Get("targets")
	if raw == nil {
		return nil, nil
	}
	return decodeList[usbip.Target](raw, "target")
}

func decodeList[T any](raw any, what string) ([]T, error) {
	defs, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("failed to decode %ss: unexpected type: %T", what, raw)
	}
	result := make([]T, len(defs))
	for i, def := range defs {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &result[i],
			TagName: "json",
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode %s data %q: %w", what, def, err)
		}
	}
	return result, nil
}
