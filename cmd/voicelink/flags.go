package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bind ties a flag to a config key. Only a flag the user actually set
// overrides env and file values.
func bind(v *viper.Viper, f *pflag.Flag, key string) {
	if f == nil {
		panic("voicelink: binding unknown flag for " + key)
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
