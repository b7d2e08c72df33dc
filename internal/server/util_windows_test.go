//go:build windows

package server

func absDataDir() string { return `C:\data\mainnet` }

func rootDir() string { return `C:\` }
