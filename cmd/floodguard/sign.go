package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/floodguard/floodguard/internal/envelope"
	"github.com/floodguard/floodguard/internal/signature"
)

// sign prints a signed envelope for a device, ready to POST to the ingest
// endpoint.
func sign(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("floodguard sign", pflag.ContinueOnError)
	deviceID := flags.StringP("device", "d", "", "device id")
	secret := flags.StringP("secret", "s", os.Getenv("FLOODGUARD_DEVICE_SECRET"), "device shared secret")
	payload := flags.StringP("payload", "p", "", "JSON reading, or @file to read it from a file")
	ts := flags.Int64("timestamp", 0, "envelope timestamp in unix milliseconds (default now)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *deviceID == "" || *secret == "" || *payload == "" {
		return errors.New("--device, --secret and --payload are required")
	}

	raw := []byte(*payload)
	if (*payload)[0] == '@' {
		b, err := os.ReadFile((*payload)[1:])
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return errors.New("payload is not valid JSON")
	}

	env := envelope.Envelope{
		DeviceID:  *deviceID,
		Timestamp: *ts,
		Payload:   json.RawMessage(raw),
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if err := env.Check(); err != nil {
		return err
	}

	sig, err := signature.Sign([]byte(*secret), env)
	if err != nil {
		return err
	}
	env.Signature = sig

	enc := json.NewEncoder(out)
	return enc.Encode(env)
}
