package summercart64

type config uint32

const (
	CfgBootloaderSwitch config = iota
	CfgROMWriteEnable
	CfgROMShadowEnable
	CfgDDMode
	CfgISVAddress
	CfgBootMode
	CfgSaveType
	CfgCICSeed
	CfgTVType
	CfgDDSDEnable
	CfgDDDriveType
	CfgDDDiskState
	CfgButtonState
	CfgButtonMode
	CfgROMExtendedEnable
)

// Config option values
const (
	BootModeMenu uint32 = iota
	BootModeROM
	BootModeDDIPL
	BootModeDirectROM
	BootModeDirectDD
)

const (
	TVPAL uint32 = iota
	TVNTSC
	TVMPAL
	TVPassthrough
)

const CICSeedAuto uint32 = 0xffff

func (v *SummerCart64) SetConfig(option config, value uint32) (old uint32, err error) {
	reply, err := v.execCommand(cmdConfigSet, uint32(option), value, nil)
	if len(reply) >= 4 {
		old = be.Uint32(reply)
	}
	return
}

func (v *SummerCart64) Config(option config) (current uint32, err error) {
	reply, err := v.execCommand(cmdConfigGet, uint32(option), 0, nil)
	if err == nil && len(reply) < 4 {
		err = errShortReply
	}
	if err != nil {
		return 0, err
	}
	return be.Uint32(reply), nil
}
