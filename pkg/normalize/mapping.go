package normalize

import (
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
	"github.com/timeplus-io/fw-alert-gateway/pkg/vendors"
)

// metricField maps one metric type to the vendor paths that may carry it.
// Paths are gjson paths relative to the system object; "a+b" sums both fields.
type metricField struct {
	Type  models.MetricType
	Paths []string
	Unit  string
}

// listSpec locates a list of records inside a section body.
// When Parents is set, Items is resolved relative to each parent object and
// SourcePath (relative to the parent) may override the record source.
type listSpec struct {
	Parents    string
	Items      string
	Keyed      bool
	SourcePath string
}

type interfaceFields struct {
	Name, Status, Speed, InBytes, OutBytes, InErrors, OutErrors []string
}

type flowFields struct {
	SourceIP, DestinationIP, Protocol, Port, Bytes, Packets, Duration, Time []string
}

type mapping struct {
	System     listSpec
	Metrics    []metricField
	Interfaces listSpec
	IfFields   interfaceFields
	Flows      listSpec
	FlowFields flowFields
}

func defaultMappings() map[vendors.Vendor]mapping {
	return map[vendors.Vendor]mapping{
		vendors.PaloAlto: {
			System: listSpec{Items: "response.result.system"},
			Metrics: []metricField{
				{models.MetricCPU, []string{"cpu-load", "cpu_usage", "cpu"}, "%"},
				{models.MetricMemory, []string{"memory-usage", "mem-usage", "memory"}, "%"},
				{models.MetricDisk, []string{"disk-usage", "disk"}, "%"},
				{models.MetricBandwidth, []string{"bandwidth-utilization", "throughput"}, "%"},
				{models.MetricSessions, []string{"session-count", "active-sessions"}, "count"},
				{models.MetricTemperature, []string{"temperature"}, "C"},
			},
			Interfaces: listSpec{Items: "response.result.ifnet.entry"},
			IfFields: interfaceFields{
				Name:      []string{"name"},
				Status:    []string{"state", "status"},
				Speed:     []string{"speed"},
				InBytes:   []string{"ibytes"},
				OutBytes:  []string{"obytes"},
				InErrors:  []string{"ierrors"},
				OutErrors: []string{"oerrors"},
			},
			Flows: listSpec{Items: "response.result.log.logs.entry"},
			FlowFields: flowFields{
				SourceIP:      []string{"src"},
				DestinationIP: []string{"dst"},
				Protocol:      []string{"proto"},
				Port:          []string{"dport"},
				Bytes:         []string{"bytes", "bytes_sent+bytes_received"},
				Packets:       []string{"packets"},
				Duration:      []string{"elapsed"},
				Time:          []string{"receive_time", "time_generated"},
			},
		},
		vendors.Fortigate: {
			System: listSpec{Items: "results"},
			Metrics: []metricField{
				{models.MetricCPU, []string{"cpu.0.current"}, "%"},
				{models.MetricMemory, []string{"mem.0.current"}, "%"},
				{models.MetricDisk, []string{"disk.0.current"}, "%"},
				{models.MetricSessions, []string{"session.0.current"}, "count"},
				{models.MetricBandwidth, []string{"bandwidth.0.current"}, "%"},
			},
			Interfaces: listSpec{Items: "results", Keyed: true},
			IfFields: interfaceFields{
				Name:      []string{"name"},
				Status:    []string{"link", "status"},
				Speed:     []string{"speed"},
				InBytes:   []string{"rx_bytes"},
				OutBytes:  []string{"tx_bytes"},
				InErrors:  []string{"rx_errors"},
				OutErrors: []string{"tx_errors"},
			},
			Flows: listSpec{Items: "results"},
			FlowFields: flowFields{
				SourceIP:      []string{"srcip", "saddr"},
				DestinationIP: []string{"dstip", "daddr"},
				Protocol:      []string{"proto"},
				Port:          []string{"dstport", "dport"},
				Bytes:         []string{"bytes", "sentbyte+rcvdbyte"},
				Packets:       []string{"packets", "sentpkt+rcvdpkt"},
				Duration:      []string{"duration"},
				Time:          []string{"eventtime", "date"},
			},
		},
		vendors.UniFi: {
			System: listSpec{Items: "data", SourcePath: "ip"},
			Metrics: []metricField{
				{models.MetricCPU, []string{"system-stats.cpu"}, "%"},
				{models.MetricMemory, []string{"system-stats.mem"}, "%"},
				{models.MetricTemperature, []string{"general_temperature"}, "C"},
				{models.MetricSessions, []string{"num_sta"}, "count"},
			},
			Interfaces: listSpec{Parents: "data", Items: "port_table", SourcePath: "ip"},
			IfFields: interfaceFields{
				Name:      []string{"name", "ifname"},
				Status:    []string{"up", "enable"},
				Speed:     []string{"speed"},
				InBytes:   []string{"rx_bytes"},
				OutBytes:  []string{"tx_bytes"},
				InErrors:  []string{"rx_errors"},
				OutErrors: []string{"tx_errors"},
			},
			Flows: listSpec{Items: "data"},
			FlowFields: flowFields{
				SourceIP:      []string{"src_ip"},
				DestinationIP: []string{"dst_ip"},
				Protocol:      []string{"proto"},
				Port:          []string{"dst_port"},
				Bytes:         []string{"bytes", "tx_bytes+rx_bytes"},
				Packets:       []string{"packets"},
				Duration:      []string{"duration"},
				Time:          []string{"time", "datetime"},
			},
		},
	}
}
