package mw

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// snapshot is a captured device response.
type snapshot struct {
	status int
	header http.Header
	body   []byte
}

type teeWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w teeWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w teeWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// DeviceCache keeps GET responses of routes under /devices/:id. Entries are
// grouped per device so that a write to one terminal drops only its entries.
// A nil *DeviceCache caches nothing.
type DeviceCache struct {
	store *cache.Cache
	ttl   time.Duration
}

// NewDeviceCache returns a cache whose entries live for ttl. It returns nil
// when ttl is not positive.
func NewDeviceCache(ttl time.Duration) *DeviceCache {
	if ttl <= 0 {
		return nil
	}
	return &DeviceCache{store: cache.New(ttl, 2*ttl), ttl: ttl}
}

func devicePrefix(deviceID string) string {
	return "device/" + deviceID + "|"
}

// key orders the query so ?a=1&b=2 and ?b=2&a=1 share an entry.
func deviceKey(deviceID string, r *http.Request) string {
	key := devicePrefix(deviceID) + r.URL.Path
	if q := r.URL.Query(); len(q) > 0 {
		key += "?" + q.Encode()
	}
	return key
}

// Handler serves repeated reads of a device route from the cache. Requests
// without an :id parameter pass through.
func (d *DeviceCache) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("id")
		if d == nil || deviceID == "" || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := deviceKey(deviceID, c.Request)
		if v, found := d.store.Get(key); found {
			snap := v.(snapshot)
			for k, vals := range snap.header {
				c.Writer.Header()[k] = vals
			}
			c.Writer.Header().Set("X-Cache", "HIT")
			c.Writer.WriteHeader(snap.status)
			_, _ = c.Writer.Write(snap.body)
			c.Abort()
			return
		}

		tee := &teeWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = tee
		c.Header("X-Cache", "MISS")

		c.Next()

		if status := tee.Status(); status == http.StatusOK {
			header := tee.Header().Clone()
			header.Del("X-Cache")
			d.store.Set(key, snapshot{status: status, header: header, body: bytes.Clone(tee.body.Bytes())}, d.ttl)
		}
	}
}

// Purge drops every cached response of a device.
func (d *DeviceCache) Purge(deviceID string) {
	if d == nil {
		return
	}
	prefix := devicePrefix(deviceID)
	for key := range d.store.Items() {
		if strings.HasPrefix(key, prefix) {
			d.store.Delete(key)
		}
	}
}

