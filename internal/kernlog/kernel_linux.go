//go:build linux
// +build linux

// kernlog: host kernel-version probe for diagnostic banners.

package kernlog

import (
	"bytes"
	"io/ioutil"
)

var kernelVersion string

func init() {
	if val, err := ioutil.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		kernelVersion = string(bytes.Trim(val, " \n\r"))
	}
}
