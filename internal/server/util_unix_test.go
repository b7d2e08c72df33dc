//go:build !windows

package server

func absDataDir() string { return "/data/mainnet" }

func rootDir() string { return "/" }
