package enclaveguest

import "context"

// SimulatedHelper answers VP.INFO/SYS.RD with fixed values, standing in for
// the kernel collaborator on hosts with no TDX hardware. Intended for
// development and tests, never for a quote a caller intends to trust.
type SimulatedHelper struct {
	Info   VPInfo
	Fields []SysRdField
}

// NewSimulatedHelper builds a helper that reports info for VP.INFO and
// answers SYS.RD by looking up the requested field_id in fields. The
// caller is responsible for giving fields a NextID chain ending in -1.
func NewSimulatedHelper(info VPInfo, fields []SysRdField) *SimulatedHelper {
	return &SimulatedHelper{Info: info, Fields: fields}
}

// VPInfo implements KernelHelper.
func (s *SimulatedHelper) VPInfo(_ context.Context) (VPInfo, error) {
	return s.Info, nil
}

// SysRd implements KernelHelper. It returns the entry of Fields whose
// FieldID equals fieldID; an unknown fieldID yields an empty field with
// NextID -1, which ends a ReadFields walk.
func (s *SimulatedHelper) SysRd(_ context.Context, fieldID uint64) (SysRdField, error) {
	for _, f := range s.Fields {
		if f.FieldID == fieldID {
			return f, nil
		}
	}
	return SysRdField{FieldID: fieldID, NextID: -1}, nil
}

var _ KernelHelper = (*SimulatedHelper)(nil)
