// Package trv implements the eQ-3 radiator valve GATT protocol: command
// encoding, status notification decoding and the JSON reports produced for
// every resolved command.
package trv

// GATT identifiers of the valve's vendor service.
const (
	ServiceUUID       = "3e135142-654f-9090-134a-a6ff5bb77046"
	CommandCharUUID   = "3fa4585a-ce4a-3bad-db4b-b8df8179ea09"
	NotifyCharUUID    = "d0e8434d-cd29-0996-af41-6c90f4e0eb2a"
	AdvertisedName    = "CC-RT-M-BLE"
	DefaultMaxRetries = 3
	DefaultGraceTicks = 2
	DefaultRequestMTU = 64
)

// Opcodes written to the command characteristic.
const (
	OpInfoReturn  byte = 0x02
	OpInfoQuery   byte = 0x03
	OpOffset      byte = 0x13
	OpMode        byte = 0x40
	OpTemperature byte = 0x41
	OpBoost       byte = 0x45
	OpLock        byte = 0x80
)

// Mode payload values for OpMode.
const (
	modeAuto   byte = 0x00
	modeManual byte = 0x40
)

// Status flag bits carried in byte 2 of an info return notification.
const (
	FlagManual     byte = 0x01
	FlagAway       byte = 0x02
	FlagBoost      byte = 0x04
	FlagDST        byte = 0x08
	FlagWindow     byte = 0x10
	FlagLocked     byte = 0x20
	FlagUnknown    byte = 0x40
	FlagLowBattery byte = 0x80
)

// Raw temperature bytes for the on and off shortcuts.
const (
	TemperatureOn  byte = 0x3c // 30.0
	TemperatureOff byte = 0x09 // 4.5
)
