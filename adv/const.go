package adv

// MaxEIRPacketLength is the maximum allowed AdvertisingPacket
// and ScanResponsePacket length.
const MaxEIRPacketLength = 31

// Advertising data field types
const (
	typeFlags            = 0x01 // Flags
	typeSomeUUID16       = 0x02 // Incomplete List of 16-bit Service Class UUIDs
	typeAllUUID16        = 0x03 // Complete List of 16-bit Service Class UUIDs
	typeSomeUUID32       = 0x04 // Incomplete List of 32-bit Service Class UUIDs
	typeAllUUID32        = 0x05 // Complete List of 32-bit Service Class UUIDs
	typeSomeUUID128      = 0x06 // Incomplete List of 128-bit Service Class UUIDs
	typeAllUUID128       = 0x07 // Complete List of 128-bit Service Class UUIDs
	typeShortName        = 0x08 // Shortened Local Name
	typeCompleteName     = 0x09 // Complete Local Name
	typeTxPower          = 0x0A // Tx Power Level
	typeServiceData16    = 0x16 // Service Data - 16-bit UUID
	typeAppearance       = 0x19 // Appearance
	typeManufacturerData = 0xFF // Manufacturer Specific Data
)

// Advertising flags
const (
	FlagLimitedDiscoverable = 0x01 // LE Limited Discoverable Mode
	FlagGeneralDiscoverable = 0x02 // LE General Discoverable Mode
	FlagLEOnly              = 0x04 // BR/EDR Not Supported. Bit 37 of LMP Feature Mask Definitions (Page 0)
	FlagBothController      = 0x08 // Simultaneous LE and BR/EDR to Same Device Capable (Controller).
	FlagBothHost            = 0x10 // Simultaneous LE and BR/EDR to Same Device Capable (Host).
)
