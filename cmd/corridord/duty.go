package main

// ClampBrightness limits b to the [0,100] percentage domain.
// All intent sources (HTTP, IPC, MQTT) clamp before handing values to the store.
func ClampBrightness(b int) int {
	if b < MinBrightness {
		return MinBrightness
	}
	if b > MaxBrightness {
		return MaxBrightness
	}
	return b
}

// DutyFor maps a brightness percentage to the PWM duty register value,
// rounding to the nearest step: round(b * MaxDuty / 100).
func DutyFor(brightness int) uint32 {
	b := ClampBrightness(brightness)
	return uint32((b*MaxDuty + MaxBrightness/2) / MaxBrightness)
}
