//go:build windows

package codespace

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

type protection int

const (
	readWrite protection = iota
	readOnly
)

func pageSize() int { return 4096 }

// allocPages 申请可读写的页面（Windows）
func allocPages(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// protect 修改页面保护
func protect(mem []byte, p protection) error {
	var old uint32
	prot := uint32(windows.PAGE_READWRITE)
	if p == readOnly {
		prot = windows.PAGE_READONLY
	}
	return windows.VirtualProtect(uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)), prot, &old)
}

// freePages 释放页面
func freePages(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	// 使用 MEM_RELEASE 时大小必须为 0
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
