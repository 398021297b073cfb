package main

import (
	"testing"

	"github.com/openfluke/bnorm/bnorm"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags(" scale, shift,,relu ")
	if err != nil {
		t.Fatal(err)
	}
	if f != bnorm.UseScale|bnorm.UseShift|bnorm.FuseNormRelu {
		t.Errorf("flags = %v", f)
	}
	if f, err := parseFlags(""); err != nil || f != 0 {
		t.Errorf("empty = %v, %v", f, err)
	}
	if _, err := parseFlags("scale,bias"); err == nil {
		t.Error("unknown flag accepted")
	}
}
