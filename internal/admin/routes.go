package admin

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// registerRoutes wires /status, /vhosts and /browse onto the admin app.
// Adapted from any-hub's routes.RegisterModuleRoutes /-/modules diagnostic
// endpoint, generalized from a single JSON dump to pkg-cacher's three
// operational surfaces (spec.md's expanded admin section).
func registerRoutes(app *fiber.App, opts AppOptions) {
	app.Get("/status", func(c fiber.Ctx) error {
		return handleStatus(c, opts)
	})
	app.Get("/vhosts", func(c fiber.Ctx) error {
		return handleVhosts(c, opts)
	})
	app.Get("/browse/:vhost", func(c fiber.Ctx) error {
		return handleBrowse(c, opts, "")
	})
	app.Get("/browse/:vhost/*", func(c fiber.Ctx) error {
		return handleBrowse(c, opts, c.Params("*"))
	})
}

type statusPayload struct {
	Debug       bool             `json:"debug"`
	OfflineMode bool             `json:"offline_mode"`
	VhostCount  int              `json:"vhost_count"`
	CacheDir    diskUsagePayload `json:"cache_disk"`
	Host        hostPayload      `json:"host"`
	Memory      memPayload       `json:"memory"`
}

type diskUsagePayload struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type hostPayload struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	UptimeSeconds   uint64 `json:"uptime_seconds"`
	KernelVersion   string `json:"kernel_version"`
}

type memPayload struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// handleStatus reports cache disk usage, host info and memory usage, grounded on
// hammermaps-zoraxy's use of shirou/gopsutil/v4 for its own system-health
// panel. Any single gopsutil call failing (e.g. inside a restricted
// container without /proc) degrades that section to its zero value rather
// than failing the whole request.
func handleStatus(c fiber.Ctx, opts AppOptions) error {
	cfg := opts.Runtime.Current()

	payload := statusPayload{
		Debug:       cfg.Debug,
		OfflineMode: cfg.OfflineMode,
		VhostCount:  len(cfg.KnownVhosts()),
	}

	if usage, err := disk.Usage(opts.Store.CacheDir()); err == nil {
		payload.CacheDir = diskUsagePayload{
			Path:        opts.Store.CacheDir(),
			TotalBytes:  usage.Total,
			UsedBytes:   usage.Used,
			FreeBytes:   usage.Free,
			UsedPercent: usage.UsedPercent,
		}
	} else {
		payload.CacheDir = diskUsagePayload{Path: opts.Store.CacheDir()}
	}

	if info, err := host.Info(); err == nil {
		payload.Host = hostPayload{
			Hostname:      info.Hostname,
			OS:            info.OS,
			Platform:      info.Platform,
			UptimeSeconds: info.Uptime,
			KernelVersion: info.KernelVersion,
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		payload.Memory = memPayload{
			TotalBytes:  vm.Total,
			UsedBytes:   vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	}

	return c.JSON(payload)
}

func handleVhosts(c fiber.Ctx, opts AppOptions) error {
	cfg := opts.Runtime.Current()
	return c.JSON(fiber.Map{"vhosts": vhostSummaries(cfg)})
}

type browseEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

var sanitizer = bluemonday.StrictPolicy()

// handleBrowse lists the cached packages under packages/<vhost>/<subpath>.
// Grounded on hammermaps-zoraxy's directory-index rendering, which sanitizes
// filenames through microcosm-cc/bluemonday before embedding them in the
// HTML response; upstream filenames are attacker-influenced (they come from
// whatever the mirror served), so this endpoint never trusts them as safe
// HTML even though the client just requested a URL, not JSON. A known vhost
// with nothing cached yet lists as empty.
func handleBrowse(c fiber.Ctx, opts AppOptions, subpath string) error {
	cfg := opts.Runtime.Current()
	vhostParam := c.Params("vhost")

	vhost, ok := findVhost(cfg, vhostParam)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "vhost_unknown"})
	}

	cleaned := path.Clean("/" + subpath)
	if strings.Contains(cleaned, "..") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_path"})
	}

	dir := filepath.Join(opts.Store.PackagesRoot(vhost.Name), filepath.FromSlash(cleaned))
	entries, err := os.ReadDir(dir)
	if err != nil && !(cleaned == "/" && os.IsNotExist(err)) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "directory_not_found"})
	}

	items := make([]browseEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		items = append(items, browseEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	if wantsHTML(c) {
		return c.Type("html").SendString(renderBrowseHTML(vhost.Name, cleaned, items))
	}
	return c.JSON(fiber.Map{"vhost": vhost.Name, "path": cleaned, "entries": items})
}

func wantsHTML(c fiber.Ctx) bool {
	return strings.Contains(string(c.Request().Header.Peek("Accept")), "text/html")
}

func renderBrowseHTML(vhost, subpath string, items []browseEntry) string {
	var b strings.Builder
	b.WriteString("<html><body><h1>Index of ")
	b.WriteString(sanitizer.Sanitize(vhost + subpath))
	b.WriteString("</h1><ul>")
	for _, item := range items {
		name := sanitizer.Sanitize(item.Name)
		suffix := ""
		if item.IsDir {
			suffix = "/"
		}
		b.WriteString("<li><a href=\"")
		b.WriteString(name)
		b.WriteString(suffix)
		b.WriteString("\">")
		b.WriteString(name)
		b.WriteString(suffix)
		b.WriteString("</a></li>")
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}
