//go:build tinygo

//go:generate tinygo flash -target=xiao

// Firmware for the three channel streaming A-to-D front end. The host sends "1"
// to start streaming and "0" to stop; while streaming every sample period emits
// one line "unix_micros,ch1,ch2,ch3" with raw 12-bit counts.
package main

import (
	"machine"
	"time"
)

var (
	adcs = [3]machine.ADC{{Pin: PIN_CH1}, {Pin: PIN_CH2}, {Pin: PIN_CH3}}
	uart = machine.UART0

	streaming  bool
	lastSample time.Time

	// Serial command buffer
	serialBuffer [8]byte
	serialPos    int
)

func main() {
	PIN_LED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_LED.Low()

	adcConfig := machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	}
	for i := range adcs {
		adcs[i].Pin.Configure(machine.PinConfig{Mode: machine.PinInput})
		adcs[i].Configure(adcConfig)
	}

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	lastSample = time.Now()
	for {
		processSerial()

		now := time.Now()
		if streaming && now.Sub(lastSample) >= SAMPLE_INTERVAL_US*time.Microsecond {
			lastSample = now
			outputSample(now)
		}

		time.Sleep(50 * time.Microsecond)
	}
}

// outputSample reads every channel back to back and prints one line.
func outputSample(now time.Time) {
	var counts [3]uint16
	for i := range adcs {
		// machine.ADC.Get is left aligned to 16 bits.
		counts[i] = adcs[i].Get() >> ADC_SHIFT
	}

	print(now.UnixMicro())
	for _, c := range counts {
		print(",")
		print(c)
	}
	print("\n")
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos == 1 {
				setStreaming(serialBuffer[0] == '1')
			}
			serialPos = 0
			continue
		}
		if data == ' ' || data == '\t' {
			continue
		}

		if (data == '0' || data == '1') && serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		} else {
			// Anything else invalidates the line
			serialPos = len(serialBuffer)
		}
	}
}

func setStreaming(on bool) {
	if on == streaming {
		return
	}
	streaming = on
	lastSample = time.Now()
	if on {
		PIN_LED.High()
	} else {
		PIN_LED.Low()
	}
}
