package swgate

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultMaintenanceMessage = "Assalamualaikum Wr. Wb. Situs sedang dalam perawatan singkat. Mohon berkenan kembali beberapa saat lagi."
	defaultUpdatedBy          = "Admin sedang mempersiapkan layanan terbaik."
	unknownUpdatedAt          = "Waktu pembaruan tidak tersedia"
)

var idMonths = [...]string{
	"Januari", "Februari", "Maret", "April", "Mei", "Juni",
	"Juli", "Agustus", "September", "Oktober", "November", "Desember",
}

var idWeekdays = [...]string{"Minggu", "Senin", "Selasa", "Rabu", "Kamis", "Jumat", "Sabtu"}

var jakarta = time.FixedZone("WIB", 7*60*60)

// formatIndonesian renders t like "Senin, 2 Januari 2006 15.04 WIB".
func formatIndonesian(t time.Time) string {
	t = t.In(jakarta)
	return fmt.Sprintf("%s, %d %s %d %02d.%02d WIB",
		idWeekdays[t.Weekday()], t.Day(), idMonths[t.Month()-1], t.Year(), t.Hour(), t.Minute())
}

type maintenanceView struct {
	Message   string
	UpdatedBy string
	UpdatedAt string
}

var maintenancePageTmpl = template.Must(template.New("maintenance").Parse(`<!DOCTYPE html>
<html lang="id">
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1.0" />
  <title>Sedang Perawatan Sistem</title>
  <style>
    :root { color-scheme: dark; font-family: 'Inter', 'Segoe UI', system-ui, -apple-system, sans-serif; }
    body {
      margin: 0; min-height: 100vh; display: flex; align-items: center; justify-content: center;
      padding: clamp(1.5rem, 4vw, 4rem); text-align: center; color: #f7f7f7;
      background: radial-gradient(circle at top, rgba(26,83,25,0.92), rgba(6,24,11,0.97));
    }
    .card {
      max-width: 720px; width: 100%; padding: clamp(1.5rem, 5vw, 3rem); border-radius: 30px;
      background: rgba(255,255,255,0.08); box-shadow: 0 25px 60px rgba(0,0,0,0.35);
    }
    h1 { font-size: clamp(1.8rem, 5vw, 2.6rem); margin: 0.5rem 0 0.75rem; }
    .basmalah { letter-spacing: 0.3em; font-size: 0.85rem; text-transform: uppercase; color: rgba(255,255,255,0.75); }
    .message { margin: 1rem 0; line-height: 1.8; font-size: 1.05rem; }
    .meta { font-size: 0.95rem; color: rgba(255,255,255,0.75); margin-bottom: 0.5rem; }
    .doa { font-style: italic; color: rgba(255,255,255,0.85); margin-top: 1rem; }
    .button {
      display: inline-flex; margin-top: 1.5rem; padding: 0.85rem 2.25rem; border-radius: 999px; border: none;
      background: linear-gradient(135deg, #facc15, #f97316); color: #0d1b0f; font-weight: 700; cursor: pointer;
    }
  </style>
</head>
<body>
  <div class="card" role="alert">
    <div class="basmalah">Bismillahirrahmanirrahim</div>
    <p class="salam">Assalamualaikum Warahmatullahi Wabarakatuh</p>
    <h1>Situs Sedang Dalam Perawatan</h1>
    <p class="message">{{.Message}}</p>
    <p class="meta">{{.UpdatedBy}}</p>
    <p class="meta">{{.UpdatedAt}}</p>
    <p class="doa">Semoga Allah SWT memudahkan segala urusan dan memberikan kelancaran bagi kita semua. Terima kasih atas pengertian Anda.</p>
    <button class="button" onclick="location.reload()">Segarkan Halaman</button>
  </div>
</body>
</html>
`))

// renderMaintenancePage synthesizes the status document for st. Retry-After
// accompanies a 503 only.
func renderMaintenancePage(st MaintenanceState, status int, retryAfter time.Duration) (Snapshot, error) {
	v := maintenanceView{
		Message:   st.Message,
		UpdatedBy: defaultUpdatedBy,
		UpdatedAt: unknownUpdatedAt,
	}
	if v.Message == "" {
		v.Message = defaultMaintenanceMessage
	}
	if st.UpdatedBy != "" {
		v.UpdatedBy = "Admin: " + st.UpdatedBy
	}
	if st.UpdatedAt != nil {
		v.UpdatedAt = formatIndonesian(*st.UpdatedAt)
	}

	var buf bytes.Buffer
	if err := maintenancePageTmpl.Execute(&buf, v); err != nil {
		return Snapshot{}, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	if secs := int(retryAfter / time.Second); secs > 0 && status == http.StatusServiceUnavailable {
		h.Set("Retry-After", strconv.Itoa(secs))
	}
	return Snapshot{
		Status:   status,
		Header:   h,
		Body:     buf.Bytes(),
		StoredAt: time.Now().Unix(),
	}, nil
}
