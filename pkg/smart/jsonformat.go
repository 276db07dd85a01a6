package smart

type SmartCtlJsonReport struct {
	JsonFormatVersion []int `json:"json_format_version"`
	Smartctl          struct {
		ExitStatus int `json:"exit_status"`
		Messages   []struct {
			String   string `json:"string"`
			Severity string `json:"severity"`
		} `json:"messages"`
	} `json:"smartctl"`
	Device struct {
		Name     string `json:"name"`
		InfoName string `json:"info_name"`
		Type     string `json:"type"`
		Protocol string `json:"protocol"`
	} `json:"device"`
	ModelFamily  string `json:"model_family"`
	ModelName    string `json:"model_name"`
	SerialNumber string `json:"serial_number"`
	UserCapacity struct {
		Blocks uint64 `json:"blocks"`
		Bytes  uint64 `json:"bytes"`
	} `json:"user_capacity"`
	RotationRate *int `json:"rotation_rate"`
	SmartSupport *struct {
		Available bool `json:"available"`
		Enabled   bool `json:"enabled"`
	} `json:"smart_support"`
	SmartStatus struct {
		Passed bool `json:"passed"`
	} `json:"smart_status"`
	AtaSmartAttributes struct {
		Revision int                 `json:"revision"`
		Table    []AtaSmartAttribute `json:"table"`
	} `json:"ata_smart_attributes"`
	NvmeSmartHealthInformationLog *NvmeSmartHealthLog `json:"nvme_smart_health_information_log"`
	PowerCycleCount               int                 `json:"power_cycle_count"`
	PowerOnTime                   struct {
		Hours int `json:"hours"`
	} `json:"power_on_time"`
	Temperature struct {
		Current     int `json:"current"`
		LifetimeMax int `json:"lifetime_max"`
	} `json:"temperature"`
}

type AtaSmartAttribute struct {
	Id     int    `json:"id"`
	Name   string `json:"name"`
	Value  int    `json:"value"`
	Worst  int    `json:"worst"`
	Thresh int    `json:"thresh"`
	Flags  struct {
		String string `json:"string"`
	} `json:"flags"`
	Raw struct {
		Value  int64  `json:"value"`
		String string `json:"string"`
	} `json:"raw"`
}

type NvmeSmartHealthLog struct {
	CriticalWarning  int   `json:"critical_warning"`
	Temperature      int   `json:"temperature"`
	PercentageUsed   int   `json:"percentage_used"`
	DataUnitsWritten int64 `json:"data_units_written"`
	PowerCycles      int   `json:"power_cycles"`
	PowerOnHours     int   `json:"power_on_hours"`
	MediaErrors      int64 `json:"media_errors"`
}

func (s *SmartCtlJsonReport) FindSmartAttributeById(id int) *AtaSmartAttribute {
	for _, item := range s.AtaSmartAttributes.Table {
		if item.Id == id {
			return &item
		}
	}

	return nil
}
