// Command simulator serves fake Palo Alto, Fortigate and UniFi management APIs
// with random-walk telemetry so the gateway can be demoed without appliances.
// Point a source at it with a hostname such as http://localhost:9443.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/fw-alert-gateway/pkg/app"
)

const sessionCookie = "unifises"

// gauge is a percentage that random-walks and occasionally spikes
type gauge struct {
	value float64
	step  float64
}

func (g *gauge) next(rng *rand.Rand, spike float64) float64 {
	if rng.Float64() < spike {
		g.value = 90 + rng.Float64()*10
		return g.value
	}
	g.value += (rng.Float64()*2 - 1) * g.step
	if g.value > 80 {
		g.value -= g.step
	}
	if g.value < 5 {
		g.value = 5
	}
	return g.value
}

type device struct {
	mu       sync.Mutex
	rng      *rand.Rand
	spike    float64
	cpu      gauge
	mem      gauge
	disk     gauge
	bw       gauge
	counters map[string]int64
}

func newDevice(seed int64, spike float64) *device {
	return &device{
		rng:      rand.New(rand.NewSource(seed)),
		spike:    spike,
		cpu:      gauge{value: 30, step: 8},
		mem:      gauge{value: 50, step: 3},
		disk:     gauge{value: 60, step: 0.5},
		bw:       gauge{value: 20, step: 10},
		counters: map[string]int64{},
	}
}

type sample struct {
	CPU, Mem, Disk, Bandwidth float64
	Sessions                  int
}

func (d *device) sample() sample {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sample{
		CPU:       round(d.cpu.next(d.rng, d.spike)),
		Mem:       round(d.mem.next(d.rng, d.spike/2)),
		Disk:      round(d.disk.next(d.rng, d.spike/4)),
		Bandwidth: round(d.bw.next(d.rng, d.spike)),
		Sessions:  200 + d.rng.Intn(2000),
	}
}

// interfaceBytes returns monotonically increasing rx/tx counters
func (d *device) interfaceBytes(name string) (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[name+"/rx"] += int64(d.rng.Intn(5_000_000))
	d.counters[name+"/tx"] += int64(d.rng.Intn(3_000_000))
	return d.counters[name+"/rx"], d.counters[name+"/tx"]
}

type flow struct {
	Src, Dst, Proto string
	Port            int
	Bytes, Packets  int64
	Duration        int
}

var ports = []int{22, 53, 80, 123, 443, 3389, 8080}

func (d *device) flows(n int) []flow {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]flow, n)
	for i := range out {
		proto := "tcp"
		if d.rng.Intn(4) == 0 {
			proto = "udp"
		}
		// a handful of internal hosts so top talkers are meaningful
		out[i] = flow{
			Src:      fmt.Sprintf("192.168.1.%d", 10+d.rng.Intn(8)),
			Dst:      fmt.Sprintf("%d.%d.%d.%d", 1+d.rng.Intn(220), d.rng.Intn(256), d.rng.Intn(256), 1+d.rng.Intn(254)),
			Proto:    proto,
			Port:     ports[d.rng.Intn(len(ports))],
			Bytes:    int64(500 + d.rng.Intn(5_000_000)),
			Packets:  int64(1 + d.rng.Intn(4000)),
			Duration: d.rng.Intn(600),
		}
	}
	return out
}

func round(v float64) float64 {
	return float64(int(v*10)) / 10
}

func main() {
	app.ConfigureLogging()

	port := flag.Int("port", 9443, "listen port")
	spike := flag.Float64("spike", 0.05, "probability that a sample spikes above 90%")
	token := flag.String("token", "demo", "API key/bearer token accepted by the Palo Alto and Fortigate endpoints")
	flag.Parse()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	registerPaloAlto(e, newDevice(1, *spike), *token)
	registerFortigate(e, newDevice(2, *spike), *token)
	registerUniFi(e, newDevice(3, *spike))

	logrus.Infof("Simulator listening on :%d (spike probability %.2f)", *port, *spike)
	if err := e.Start(fmt.Sprintf(":%d", *port)); err != nil && err != http.ErrServerClosed {
		logrus.Fatalf("Simulator stopped: %v", err)
	}
}

func registerPaloAlto(e *echo.Echo, d *device, token string) {
	e.GET("/api/", func(c echo.Context) error {
		if c.QueryParam("key") != token {
			return c.JSON(http.StatusOK, echo.Map{"response": echo.Map{"status": "error", "code": "403", "msg": "Invalid credential"}})
		}
		var result echo.Map
		switch cmd := c.QueryParam("cmd"); {
		case c.QueryParam("type") == "log":
			entries := []echo.Map{}
			for _, f := range d.flows(20) {
				entries = append(entries, echo.Map{
					"src": f.Src, "dst": f.Dst, "proto": f.Proto, "dport": fmt.Sprint(f.Port),
					"bytes": fmt.Sprint(f.Bytes), "packets": fmt.Sprint(f.Packets), "elapsed": fmt.Sprint(f.Duration),
				})
			}
			result = echo.Map{"log": echo.Map{"logs": echo.Map{"entry": entries}}}
		case strings.Contains(cmd, "<interface>"):
			entries := []echo.Map{}
			for _, name := range []string{"ethernet1/1", "ethernet1/2"} {
				rx, tx := d.interfaceBytes(name)
				entries = append(entries, echo.Map{"name": name, "state": "up", "speed": "1000", "ibytes": rx, "obytes": tx, "ierrors": 0, "oerrors": 0})
			}
			result = echo.Map{"ifnet": echo.Map{"entry": entries}}
		case strings.Contains(cmd, "<system>"):
			s := d.sample()
			result = echo.Map{"system": echo.Map{
				"hostname": "pa-sim", "model": "PA-220", "sw-version": "10.2.4",
				"cpu-load": fmt.Sprint(s.CPU), "memory-usage": fmt.Sprint(s.Mem), "disk-usage": fmt.Sprint(s.Disk),
				"session-count": fmt.Sprint(s.Sessions),
			}}
		default:
			return c.JSON(http.StatusOK, echo.Map{"response": echo.Map{"status": "error", "msg": "unsupported command"}})
		}
		return c.JSON(http.StatusOK, echo.Map{"response": echo.Map{"status": "success", "result": result}})
	})
}

func registerFortigate(e *echo.Echo, d *device, token string) {
	g := e.Group("/api/v2/monitor", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "Bearer "+token {
				return c.JSON(http.StatusUnauthorized, echo.Map{"status": "error", "http_status": 401})
			}
			return next(c)
		}
	})
	current := func(v any) []echo.Map { return []echo.Map{{"current": v}} }

	g.GET("/system/resource/usage", func(c echo.Context) error {
		s := d.sample()
		return c.JSON(http.StatusOK, echo.Map{"status": "success", "results": echo.Map{
			"cpu": current(s.CPU), "mem": current(s.Mem), "disk": current(s.Disk),
			"session": current(s.Sessions), "bandwidth": current(s.Bandwidth),
		}})
	})
	g.GET("/system/interface", func(c echo.Context) error {
		results := echo.Map{}
		for _, name := range []string{"port1", "port2", "wan1"} {
			rx, tx := d.interfaceBytes(name)
			results[name] = echo.Map{"name": name, "link": true, "speed": 1000, "rx_bytes": rx, "tx_bytes": tx, "rx_errors": 0, "tx_errors": 0}
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "success", "results": results})
	})
	g.GET("/firewall/traffic", func(c echo.Context) error {
		results := []echo.Map{}
		for _, f := range d.flows(20) {
			results = append(results, echo.Map{
				"srcip": f.Src, "dstip": f.Dst, "proto": f.Proto, "dstport": f.Port,
				"sentbyte": f.Bytes / 2, "rcvdbyte": f.Bytes - f.Bytes/2,
				"sentpkt": f.Packets / 2, "rcvdpkt": f.Packets - f.Packets/2, "duration": f.Duration,
			})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "success", "results": results})
	})
}

func registerUniFi(e *echo.Echo, d *device) {
	ok := echo.Map{"rc": "ok"}

	e.POST("/api/login", func(c echo.Context) error {
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.Bind(&creds); err != nil || creds.Username == "" || creds.Password == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"meta": echo.Map{"rc": "error", "msg": "api.err.Invalid"}, "data": []any{}})
		}
		c.SetCookie(&http.Cookie{Name: sessionCookie, Value: "sim-session", Path: "/"})
		return c.JSON(http.StatusOK, echo.Map{"meta": ok, "data": []any{}})
	})

	site := e.Group("/api/s/:site", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, err := c.Cookie(sessionCookie); err != nil {
				return c.JSON(http.StatusOK, echo.Map{"meta": echo.Map{"rc": "error", "msg": "api.err.LoginRequired"}, "data": []any{}})
			}
			return next(c)
		}
	})
	site.GET("/stat/device", func(c echo.Context) error {
		s := d.sample()
		ports := []echo.Map{}
		for _, name := range []string{"Port 1", "Port 2"} {
			rx, tx := d.interfaceBytes(name)
			ports = append(ports, echo.Map{"name": name, "up": true, "speed": 1000, "rx_bytes": rx, "tx_bytes": tx, "rx_errors": 0, "tx_errors": 0})
		}
		return c.JSON(http.StatusOK, echo.Map{"meta": ok, "data": []echo.Map{{
			"ip":                  "192.168.1.1",
			"model":               "UDM-Pro",
			"system-stats":        echo.Map{"cpu": fmt.Sprint(s.CPU), "mem": fmt.Sprint(s.Mem)},
			"general_temperature": 40 + int(s.CPU/5),
			"num_sta":             s.Sessions / 20,
			"port_table":          ports,
		}}})
	})
	site.GET("/stat/event", func(c echo.Context) error {
		data := []echo.Map{}
		for _, f := range d.flows(20) {
			data = append(data, echo.Map{
				"src_ip": f.Src, "dst_ip": f.Dst, "proto": f.Proto, "dst_port": f.Port,
				"bytes": f.Bytes, "packets": f.Packets, "duration": f.Duration,
			})
		}
		return c.JSON(http.StatusOK, echo.Map{"meta": ok, "data": data})
	})
}
