package uds

// Standard UDS service identifiers.
const (
	SIDDiagnosticSessionControl = 0x10
	SIDEcuReset                 = 0x11
	SIDClearDiagnosticInfo      = 0x14
	SIDReadDTCInfo              = 0x19
	SIDReadDataByID             = 0x22
	SIDSecurityAccess           = 0x27
	SIDDynamicallyDefineDataID  = 0x2C
	SIDWriteDataByID            = 0x2E
	SIDIoControlByID            = 0x2F
	SIDRoutineControl           = 0x31
	SIDRequestDownload          = 0x34
	SIDRequestUpload            = 0x35
	SIDTransferData             = 0x36
	SIDRequestTransferExit      = 0x37
	SIDTesterPresent            = 0x3E
	SIDLinkControl              = 0x87
	SIDNegativeResponse         = 0x7F

	positiveResponseOffset = 0x40
)

// Reset types for ECUReset (0x11).
const (
	ResetHard     = 0x01
	ResetKeyOffOn = 0x02
	ResetSoft     = 0x03
)

// RoutineControl sub-functions.
const (
	RoutineStart         = 0x01
	RoutineStop          = 0x02
	RoutineRequestResult = 0x03
)

// DynamicallyDefineDataIdentifier sub-functions.
const (
	DDIDDefineByIdentifier = 0x01
	DDIDClear              = 0x03
)

// LinkControl sub-functions and fixed baud identifiers.
const (
	LinkVerifyFixed    = 0x01
	LinkVerifySpecific = 0x02
	LinkTransition     = 0x03

	BaudCAN125k = 0x10
	BaudCAN250k = 0x11
	BaudCAN500k = 0x12
	BaudCAN1M   = 0x13
)

// Standard identification DIDs (ISO 14229-1 Annex C).
const (
	DIDBootSoftwareID       = 0xF180
	DIDAppSoftwareID        = 0xF181
	DIDActiveSession        = 0xF186
	DIDSparePartNumber      = 0xF187
	DIDEcuSoftwareNumber    = 0xF188
	DIDEcuSoftwareVersion   = 0xF189
	DIDSystemSupplier       = 0xF18A
	DIDManufacturingDate    = 0xF18B
	DIDEcuSerialNumber      = 0xF18C
	DIDVIN                  = 0xF190
	DIDEcuHardwareNumber    = 0xF191
	DIDSupplierHwNumber     = 0xF192
	DIDSupplierHwVersion    = 0xF193
	DIDSupplierSwNumber     = 0xF194
	DIDSupplierSwVersion    = 0xF195
	DIDSystemName           = 0xF197
	DIDProgrammingDate      = 0xF199
)

// IdentificationDIDs enumerates the standard identification DIDs exposed by
// the software-info endpoint: (did, key, display label).
var IdentificationDIDs = []struct {
	DID   uint16
	Key   string
	Label string
}{
	{DIDVIN, "vin", "VIN"},
	{DIDEcuSerialNumber, "ecu_serial", "ECU Serial Number"},
	{DIDEcuSoftwareNumber, "sw_number", "ECU Software Number"},
	{DIDEcuSoftwareVersion, "sw_version", "ECU Software Version"},
	{DIDEcuHardwareNumber, "hw_number", "ECU Hardware Number"},
	{DIDSupplierHwVersion, "hw_version", "Hardware Version"},
	{DIDSparePartNumber, "part_number", "Spare Part Number"},
	{DIDSystemSupplier, "supplier", "System Supplier"},
	{DIDManufacturingDate, "mfg_date", "Manufacturing Date"},
	{DIDSupplierSwNumber, "supplier_sw_number", "Supplier SW Number"},
	{DIDSupplierSwVersion, "supplier_sw_version", "Supplier SW Version"},
	{DIDSystemName, "system_name", "System Name"},
	{DIDProgrammingDate, "programming_date", "Programming Date"},
	{DIDBootSoftwareID, "boot_sw_id", "Boot Software ID"},
	{DIDAppSoftwareID, "app_sw_id", "Application Software ID"},
}

// ServiceIDs is the resolved service-identifier table for one ECU. OEMs
// frequently remap services, so the table is built once at backend creation
// from the standard map plus any overrides, and every request encoder reads
// from it instead of the constants.
type ServiceIDs struct {
	DiagnosticSessionControl byte
	EcuReset                 byte
	ClearDiagnosticInfo      byte
	ReadDTCInfo              byte
	ReadDataByID             byte
	SecurityAccess           byte
	DynamicallyDefineDataID  byte
	WriteDataByID            byte
	IoControlByID            byte
	RoutineControl           byte
	RequestDownload          byte
	RequestUpload            byte
	TransferData             byte
	RequestTransferExit      byte
	TesterPresent            byte
	LinkControl              byte
	NegativeResponse         byte
}

// DefaultServiceIDs returns the standard ISO 14229 table.
func DefaultServiceIDs() ServiceIDs {
	return ServiceIDs{
		DiagnosticSessionControl: SIDDiagnosticSessionControl,
		EcuReset:                 SIDEcuReset,
		ClearDiagnosticInfo:      SIDClearDiagnosticInfo,
		ReadDTCInfo:              SIDReadDTCInfo,
		ReadDataByID:             SIDReadDataByID,
		SecurityAccess:           SIDSecurityAccess,
		DynamicallyDefineDataID:  SIDDynamicallyDefineDataID,
		WriteDataByID:            SIDWriteDataByID,
		IoControlByID:            SIDIoControlByID,
		RoutineControl:           SIDRoutineControl,
		RequestDownload:          SIDRequestDownload,
		RequestUpload:            SIDRequestUpload,
		TransferData:             SIDTransferData,
		RequestTransferExit:      SIDRequestTransferExit,
		TesterPresent:            SIDTesterPresent,
		LinkControl:              SIDLinkControl,
		NegativeResponse:         SIDNegativeResponse,
	}
}

// ServiceOverrides remaps individual services for OEM variants. Zero values
// leave the standard id in place.
type ServiceOverrides struct {
	DiagnosticSessionControl byte `yaml:"diagnostic_session_control,omitempty"`
	EcuReset                 byte `yaml:"ecu_reset,omitempty"`
	ClearDiagnosticInfo      byte `yaml:"clear_diagnostic_info,omitempty"`
	ReadDTCInfo              byte `yaml:"read_dtc_info,omitempty"`
	ReadDataByID             byte `yaml:"read_data_by_id,omitempty"`
	SecurityAccess           byte `yaml:"security_access,omitempty"`
	DynamicallyDefineDataID  byte `yaml:"dynamically_define_data_id,omitempty"`
	WriteDataByID            byte `yaml:"write_data_by_id,omitempty"`
	IoControlByID            byte `yaml:"io_control_by_id,omitempty"`
	RoutineControl           byte `yaml:"routine_control,omitempty"`
	RequestDownload          byte `yaml:"request_download,omitempty"`
	RequestUpload            byte `yaml:"request_upload,omitempty"`
	TransferData             byte `yaml:"transfer_data,omitempty"`
	RequestTransferExit      byte `yaml:"request_transfer_exit,omitempty"`
	TesterPresent            byte `yaml:"tester_present,omitempty"`
	LinkControl              byte `yaml:"link_control,omitempty"`
}

// Resolve applies the overrides to the standard table.
func (o ServiceOverrides) Resolve() ServiceIDs {
	ids := DefaultServiceIDs()
	set := func(dst *byte, v byte) {
		if v != 0 {
			*dst = v
		}
	}
	set(&ids.DiagnosticSessionControl, o.DiagnosticSessionControl)
	set(&ids.EcuReset, o.EcuReset)
	set(&ids.ClearDiagnosticInfo, o.ClearDiagnosticInfo)
	set(&ids.ReadDTCInfo, o.ReadDTCInfo)
	set(&ids.ReadDataByID, o.ReadDataByID)
	set(&ids.SecurityAccess, o.SecurityAccess)
	set(&ids.DynamicallyDefineDataID, o.DynamicallyDefineDataID)
	set(&ids.WriteDataByID, o.WriteDataByID)
	set(&ids.IoControlByID, o.IoControlByID)
	set(&ids.RoutineControl, o.RoutineControl)
	set(&ids.RequestDownload, o.RequestDownload)
	set(&ids.RequestUpload, o.RequestUpload)
	set(&ids.TransferData, o.TransferData)
	set(&ids.RequestTransferExit, o.RequestTransferExit)
	set(&ids.TesterPresent, o.TesterPresent)
	set(&ids.LinkControl, o.LinkControl)
	return ids
}
