//go:build !windows

package codespace

import (
	"golang.org/x/sys/unix"
)

type protection int

const (
	readWrite protection = iota
	readOnly
)

func pageSize() int { return unix.Getpagesize() }

// allocPages 申请可读写的匿名页面（Unix/Linux/macOS）
func allocPages(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// protect 修改页面保护
func protect(mem []byte, p protection) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if p == readOnly {
		prot = unix.PROT_READ
	}
	return unix.Mprotect(mem, prot)
}

// freePages 释放页面
func freePages(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
