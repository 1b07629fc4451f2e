package core

// Indonesian prompts for the voice agent and for report generation, plus the
// user-facing status strings of a session.

const (
	// AgentPromptTemplate is the system prompt of the voice agent.  It keeps
	// the assistant on medical topics, limits every reply to a couple of short
	// sentences and focuses it on the reported symptom (the %s verb).
	AgentPromptTemplate = `Anda adalah asisten medis AI MediTalk. Aturan WAJIB:

BATASAN TOPIK:
- HANYA jawab pertanyaan medis/kesehatan
- Jika ditanya di luar medis, jawab: "Maaf, saya hanya bisa membantu konsultasi kesehatan. Ada keluhan medis yang bisa saya bantu?"

BATASAN JAWABAN:
- Maksimal 100 kata per respon, 1-2 kalimat jika bisa
- Tanya maksimal 1 pertanyaan lanjutan yang krusial

FOKUS GEJALA: "%s"

ALUR SINGKAT:
1. Akui gejala pasien
2. Tanya 1 hal penting (jika perlu)
3. Beri saran praktis 2-3 poin
4. Sarankan ke dokter jika serius

GAYA: bahasa Indonesia santun tapi ringkas, empatik, tidak mendiagnosis pasti.
Mulai dengan sapaan hangat dan singkat.`

	// AgentFirstMessageTemplate greets the patient and restates the symptom.
	AgentFirstMessageTemplate = "Halo! Saya asisten medis MediTalk. Anda mengalami %s. Bisa ceritakan kondisinya sekarang?"

	// AgentEndCallMessage is spoken when the agent hangs up.
	AgentEndCallMessage = "Terima kasih. Semoga lekas sembuh dan segera konsultasi dokter jika perlu."

	// ReportSystemPrompt frames the completion call that turns a transcript
	// into a report.
	ReportSystemPrompt = "Anda adalah dokter profesional yang ahli dalam menganalisis percakapan konsultasi medis. Selalu berikan response dalam format JSON yang valid."

	// ReportInstruction describes the JSON schema the model must produce.
	// The symptom and the transcript are appended by BuildReportPrompt.
	ReportInstruction = `Buatlah laporan konsultasi medis berdasarkan percakapan antara pasien dan AI medis.

Format laporan harus dalam JSON dengan struktur berikut:
{
  "ringkasan_gejala": "ringkasan singkat gejala yang dialami pasien",
  "keluhan_utama": "keluhan utama pasien",
  "gejala_tambahan": ["daftar", "gejala", "tambahan"],
  "durasi_gejala": "berapa lama gejala dialami",
  "tingkat_keparahan": "ringan/sedang/berat",
  "faktor_pemicu": "faktor yang memicu atau memperburuk gejala",
  "riwayat_pengobatan": "pengobatan yang sudah dicoba",
  "rekomendasi": {
    "tindakan_segera": "apa yang harus dilakukan segera",
    "perawatan_rumah": "perawatan yang bisa dilakukan di rumah",
    "kapan_ke_dokter": "kapan harus konsultasi ke dokter",
    "spesialis_yang_disarankan": "spesialis yang disarankan jika ada"
  },
  "catatan_penting": "catatan penting atau hal yang perlu diperhatikan",
  "tingkat_urgensi": "rendah/sedang/tinggi"
}

PENTING:
- Jawab HANYA dalam format JSON yang valid
- Jangan tambahkan penjelasan di luar JSON
- Gunakan bahasa Indonesia yang profesional`

	// Transcript speaker labels used inside the report prompt.
	PatientLabel   = "Pasien"
	AssistantLabel = "AI Medis"
)

// Status strings shown to the patient while a session progresses.
const (
	StatusReady             = "Siap untuk memulai konsultasi"
	StatusRequestingMic     = "Meminta akses mikropon..."
	StatusCreatingAgent     = "Membuat assistant medis untuk gejala Anda..."
	StatusConnecting        = "Menghubungkan ke assistant medis..."
	StatusActive            = "Terhubung - Voice Call Aktif"
	StatusSaving            = "Menyimpan percakapan..."
	StatusGeneratingReport  = "Membuat laporan konsultasi..."
	StatusComplete          = "Konsultasi selesai - Laporan tersimpan"
	StatusNothingToSave     = "Konsultasi berakhir - Tidak ada percakapan"
	StatusReportFailedFmt   = "Konsultasi selesai - Laporan gagal: %s"
	StatusErrorFmt          = "Error - %s"
	StatusMicrophoneDenied  = "Akses mikropon diperlukan. Izinkan akses mikropon lalu mulai lagi."
	StatusSymptomRequired   = "Gejala belum diisi. Silakan isi gejala terlebih dahulu."
	StatusConnectTimeout    = "Connection timeout - Coba lagi"
	StatusStoppedEarly      = "Panggilan dihentikan sebelum terhubung"
	StatusSaveFailedFmt     = "Gagal menyimpan percakapan: %s"
	StatusProviderNetwork   = "Masalah jaringan"
	StatusProviderMicDenied = "Akses mikropon ditolak"
)
