package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/bridge"
)

// qrPrinter renders pairing codes for an operator at the console: as a
// PNG file to open and as half blocks on the terminal.
type qrPrinter struct {
	path string
	out  io.Writer
	log  *slog.Logger
}

func newQRPrinter(path string, log *slog.Logger) *qrPrinter {
	return &qrPrinter{path: path, out: os.Stderr, log: log}
}

// Emit implements bridge.EventSink.
func (p *qrPrinter) Emit(name string, payload any) {
	switch name {
	case bridge.EventQR:
		qr, ok := payload.(bridge.QRPayload)
		if !ok {
			return
		}
		p.print(qr.QR)
	case bridge.EventReady:
		// A stale image would invite scanning an expired code.
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			p.log.Warn("Failed to remove QR code file", "error", err)
		}
	}
}

func (p *qrPrinter) print(code string) {
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		p.log.Error("Failed to create QR code directory", "error", err)
	} else if err := qrcode.WriteFile(code, qrcode.Medium, 256, p.path); err != nil {
		p.log.Error("Failed to save QR code to file", "error", err)
	} else {
		p.log.Info("QR code saved to file - open this file to scan", "path", p.path)
	}

	fmt.Fprintln(p.out, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(p.out, "║  Scan this QR code with WhatsApp Mobile  ║")
	fmt.Fprintln(p.out, "╚══════════════════════════════════════════╝")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, p.out)
	fmt.Fprintln(p.out)
}
