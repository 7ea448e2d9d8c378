//go:build !linux
// +build !linux

package catalog

import "os"

func adviseSequential(*os.File) {}
