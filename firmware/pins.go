//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_INTERVAL_US = 2000 // One line per channel set every 2 ms (500 Hz)

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)
	ADC_SHIFT        = 16 - ADC_RESOLUTION

	// Front end inputs, each scaled from +/-10 V into the ADC range
	PIN_CH1 = machine.A0
	PIN_CH2 = machine.A1
	PIN_CH3 = machine.A2

	PIN_LED = machine.LED

	// Serial configuration
	// Format "unix_micros,ch1,ch2,ch3\n", e.g. "1234567890123456,4095,4095,4095\n"
	// is at most 32 bytes. 500 lines/sec * 32 bytes = 16,000 bytes/sec, which
	// needs 160,000 baud with 8N1 framing. 460800 leaves ~2.9x headroom.
	UART_BAUD_RATE = 460800
)
