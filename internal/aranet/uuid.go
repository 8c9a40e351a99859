package aranet

// GATT services and characteristics. UUIDs are lowercase canonical form so
// transports can compare them with the string form of their own UUID type.
const (
	ServiceSAFTehnika    = "0000fce0-0000-1000-8000-00805f9b34fb"
	ServiceSAFTehnikaOld = "f0cd1400-95da-4f4b-9ac8-aa55d312af0c"
	ServiceBattery       = "0000180f-0000-1000-8000-00805f9b34fb"
	ServiceDeviceInfo    = "0000180a-0000-1000-8000-00805f9b34fb"

	CharCurrentReadings          = "f0cd1503-95da-4f4b-9ac8-aa55d312af0c"
	CharCurrentReadingsDetail    = "f0cd3001-95da-4f4b-9ac8-aa55d312af0c"
	CharCurrentReadingsDetailAlt = "f0cd3003-95da-4f4b-9ac8-aa55d312af0c"
	CharTotalReadings            = "f0cd2001-95da-4f4b-9ac8-aa55d312af0c"
	CharReadInterval             = "f0cd2002-95da-4f4b-9ac8-aa55d312af0c"
	CharHistoryV1                = "f0cd2003-95da-4f4b-9ac8-aa55d312af0c"
	CharSecondsSinceUpdate       = "f0cd2004-95da-4f4b-9ac8-aa55d312af0c"
	CharHistoryV2                = "f0cd2005-95da-4f4b-9ac8-aa55d312af0c"
	CharSensorState              = "f0cd1401-95da-4f4b-9ac8-aa55d312af0c"
	CharCommand                  = "f0cd1402-95da-4f4b-9ac8-aa55d312af0c"
	CharCalibration              = "f0cd1502-95da-4f4b-9ac8-aa55d312af0c"

	CharBatteryLevel     = "00002a19-0000-1000-8000-00805f9b34fb"
	CharDeviceName       = "00002a00-0000-1000-8000-00805f9b34fb"
	CharModelNumber      = "00002a24-0000-1000-8000-00805f9b34fb"
	CharSerialNumber     = "00002a25-0000-1000-8000-00805f9b34fb"
	CharFirmwareRevision = "00002a26-0000-1000-8000-00805f9b34fb"
	CharHardwareRevision = "00002a27-0000-1000-8000-00805f9b34fb"
	CharSoftwareRevision = "00002a28-0000-1000-8000-00805f9b34fb"
	CharManufacturerName = "00002a29-0000-1000-8000-00805f9b34fb"
)

// ManufacturerID is the Bluetooth SIG company identifier of SAF Tehnika.
const ManufacturerID uint16 = 0x0702

// Command opcodes written to CharCommand.
const (
	OpHistoryV1Request  byte = 0x82
	OpHistoryV2Request  byte = 0x61
	OpSetInterval       byte = 0x90
	OpSetSmartHome      byte = 0x91
	OpSetBluetoothRange byte = 0x92
)

// historyHeaderLen is the fixed header size of a HISTORY_V2 response.
const historyHeaderLen = 10

// v1DataOffset is where packed values start in a HISTORY_V1 notification.
const v1DataOffset = 3
