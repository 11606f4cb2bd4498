package sovd

import "context"

// Backend is the operation set every diagnostic backend presents to the HTTP
// layer. Three concrete kinds exist: the per-ECU UDS backend, the gateway
// composition, and the HTTP proxy. Variants embed Unsupported so that
// operations they do not implement return NotSupported instead of silently
// succeeding, and new operations can be added without touching every variant.
type Backend interface {
	EntityInfo() EntityInfo
	Capabilities() Capabilities

	ListParameters(ctx context.Context) ([]ParameterInfo, error)
	ReadData(ctx context.Context, paramIDs []string) ([]DataValue, error)
	WriteData(ctx context.Context, paramID string, value any) error
	ReadRawDID(ctx context.Context, did uint16) ([]byte, error)
	WriteRawDID(ctx context.Context, did uint16, data []byte) error
	DefineDataIdentifier(ctx context.Context, ddid uint16, sources []DDIDSource) error
	ClearDataIdentifier(ctx context.Context, ddid uint16) error
	SubscribeData(ctx context.Context, paramIDs []string, rateHz float64) (*Stream, error)

	Faults(ctx context.Context, filter *FaultFilter) (*FaultsResult, error)
	FaultDetail(ctx context.Context, faultID string) (*FaultDetail, error)
	ClearFaults(ctx context.Context, group uint32) (*ClearFaultsResult, error)

	ListOperations(ctx context.Context) ([]OperationInfo, error)
	StartOperation(ctx context.Context, operationID string, params []byte) (*OperationExecution, error)
	OperationStatus(ctx context.Context, executionID string) (*OperationExecution, error)
	StopOperation(ctx context.Context, executionID string) (*OperationExecution, error)

	ListOutputs(ctx context.Context) ([]OutputInfo, error)
	GetOutput(ctx context.Context, outputID string) (*OutputDetail, error)
	ControlOutput(ctx context.Context, outputID string, action IoControlAction, value any) (*IoControlResult, error)

	GetSessionMode(ctx context.Context) (*SessionMode, error)
	SetSessionMode(ctx context.Context, session string) (*SessionMode, error)
	GetSecurityMode(ctx context.Context) (*SecurityMode, error)
	SetSecurityMode(ctx context.Context, value string, key []byte) (*SecurityMode, error)
	GetLinkMode(ctx context.Context) (*LinkMode, error)
	SetLinkMode(ctx context.Context, action string, baudRateID string, baudRate uint32) (*LinkControlResult, error)
	EcuReset(ctx context.Context, resetType byte) error

	ReceivePackage(ctx context.Context, data []byte) (string, error)
	ListPackages(ctx context.Context) ([]PackageInfo, error)
	GetPackage(ctx context.Context, packageID string) (*PackageInfo, error)
	VerifyPackage(ctx context.Context, packageID string) (*VerifyResult, error)
	DeletePackage(ctx context.Context, packageID string) error

	StartFlash(ctx context.Context, packageID string) (string, error)
	GetFlashStatus(ctx context.Context, transferID string) (*FlashStatus, error)
	ListFlashTransfers(ctx context.Context) ([]FlashStatus, error)
	AbortFlash(ctx context.Context, transferID string) error
	FinalizeFlash(ctx context.Context) error
	CommitFlash(ctx context.Context) error
	RollbackFlash(ctx context.Context) error
	GetActivationState(ctx context.Context) (*ActivationState, error)

	ListSubEntities(ctx context.Context) ([]EntityInfo, error)
	SubEntity(id string) (Backend, error)
	GetSoftwareInfo(ctx context.Context) (*SoftwareInfo, error)
}

// Unsupported provides NotSupported defaults for the full operation set.
// Backend variants embed it and override what they implement.
type Unsupported struct{}

func (Unsupported) ListParameters(context.Context) ([]ParameterInfo, error) {
	return nil, NotSupported("list_parameters")
}

func (Unsupported) ReadData(context.Context, []string) ([]DataValue, error) {
	return nil, NotSupported("read_data")
}

func (Unsupported) WriteData(context.Context, string, any) error {
	return NotSupported("write_data")
}

func (Unsupported) ReadRawDID(context.Context, uint16) ([]byte, error) {
	return nil, NotSupported("read_raw_did")
}

func (Unsupported) WriteRawDID(context.Context, uint16, []byte) error {
	return NotSupported("write_raw_did")
}

func (Unsupported) DefineDataIdentifier(context.Context, uint16, []DDIDSource) error {
	return NotSupported("define_data_identifier")
}

func (Unsupported) ClearDataIdentifier(context.Context, uint16) error {
	return NotSupported("clear_data_identifier")
}

func (Unsupported) SubscribeData(context.Context, []string, float64) (*Stream, error) {
	return nil, NotSupported("subscribe_data")
}

func (Unsupported) Faults(context.Context, *FaultFilter) (*FaultsResult, error) {
	return nil, NotSupported("faults")
}

func (Unsupported) FaultDetail(context.Context, string) (*FaultDetail, error) {
	return nil, NotSupported("fault_detail")
}

func (Unsupported) ClearFaults(context.Context, uint32) (*ClearFaultsResult, error) {
	return nil, NotSupported("clear_faults")
}

func (Unsupported) ListOperations(context.Context) ([]OperationInfo, error) {
	return nil, NotSupported("list_operations")
}

func (Unsupported) StartOperation(context.Context, string, []byte) (*OperationExecution, error) {
	return nil, NotSupported("start_operation")
}

func (Unsupported) OperationStatus(context.Context, string) (*OperationExecution, error) {
	return nil, NotSupported("operation_status")
}

func (Unsupported) StopOperation(context.Context, string) (*OperationExecution, error) {
	return nil, NotSupported("stop_operation")
}

func (Unsupported) ListOutputs(context.Context) ([]OutputInfo, error) {
	return nil, NotSupported("list_outputs")
}

func (Unsupported) GetOutput(context.Context, string) (*OutputDetail, error) {
	return nil, NotSupported("get_output")
}

func (Unsupported) ControlOutput(context.Context, string, IoControlAction, any) (*IoControlResult, error) {
	return nil, NotSupported("control_output")
}

func (Unsupported) GetSessionMode(context.Context) (*SessionMode, error) {
	return nil, NotSupported("get_session_mode")
}

func (Unsupported) SetSessionMode(context.Context, string) (*SessionMode, error) {
	return nil, NotSupported("set_session_mode")
}

func (Unsupported) GetSecurityMode(context.Context) (*SecurityMode, error) {
	return nil, NotSupported("get_security_mode")
}

func (Unsupported) SetSecurityMode(context.Context, string, []byte) (*SecurityMode, error) {
	return nil, NotSupported("set_security_mode")
}

func (Unsupported) GetLinkMode(context.Context) (*LinkMode, error) {
	return nil, NotSupported("get_link_mode")
}

func (Unsupported) SetLinkMode(context.Context, string, string, uint32) (*LinkControlResult, error) {
	return nil, NotSupported("set_link_mode")
}

func (Unsupported) EcuReset(context.Context, byte) error {
	return NotSupported("ecu_reset")
}

func (Unsupported) ReceivePackage(context.Context, []byte) (string, error) {
	return "", NotSupported("receive_package")
}

func (Unsupported) ListPackages(context.Context) ([]PackageInfo, error) {
	return nil, NotSupported("list_packages")
}

func (Unsupported) GetPackage(context.Context, string) (*PackageInfo, error) {
	return nil, NotSupported("get_package")
}

func (Unsupported) VerifyPackage(context.Context, string) (*VerifyResult, error) {
	return nil, NotSupported("verify_package")
}

func (Unsupported) DeletePackage(context.Context, string) error {
	return NotSupported("delete_package")
}

func (Unsupported) StartFlash(context.Context, string) (string, error) {
	return "", NotSupported("start_flash")
}

func (Unsupported) GetFlashStatus(context.Context, string) (*FlashStatus, error) {
	return nil, NotSupported("flash_status")
}

func (Unsupported) ListFlashTransfers(context.Context) ([]FlashStatus, error) {
	return nil, NotSupported("list_flash_transfers")
}

func (Unsupported) AbortFlash(context.Context, string) error {
	return NotSupported("abort_flash")
}

func (Unsupported) FinalizeFlash(context.Context) error {
	return NotSupported("finalize_flash")
}

func (Unsupported) CommitFlash(context.Context) error {
	return NotSupported("commit_flash")
}

func (Unsupported) RollbackFlash(context.Context) error {
	return NotSupported("rollback_flash")
}

func (Unsupported) GetActivationState(context.Context) (*ActivationState, error) {
	return nil, NotSupported("activation_state")
}

func (Unsupported) ListSubEntities(context.Context) ([]EntityInfo, error) {
	return []EntityInfo{}, nil
}

func (Unsupported) SubEntity(id string) (Backend, error) {
	return nil, EntityNotFound(id)
}

func (Unsupported) GetSoftwareInfo(context.Context) (*SoftwareInfo, error) {
	return nil, NotSupported("software_info")
}
