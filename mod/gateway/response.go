package gateway

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
)

// Source tells where a response came from
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceOffline  Source = "offline-cache"
	SourceFallback Source = "fallback"
	SourceQueued   Source = "queued"
)

const (
	HeaderOfflineMode      = "X-Offline-Mode"
	HeaderCachedMinutesAgo = "X-Cached-Minutes-Ago"
	HeaderCache            = "X-Cache"
	HeaderOfflineID        = "X-Offline-Id"
)

// User facing messages. Operators work in both languages, so every payload
// carries both.
const (
	msgOffline           = "You are offline and this data is not available on this device."
	msgOfflineAR         = "غير متصل: هذه البيانات غير متوفرة على هذا الجهاز."
	msgQueued            = "Saved offline. It will be sent automatically when the connection returns."
	msgQueuedAR          = "تم الحفظ دون اتصال. سيتم الإرسال تلقائيا عند عودة الاتصال."
	msgStorageFailed     = "You are offline and the request could not be saved on this device. Please try again."
	msgStorageFailedAR   = "غير متصل: تعذر حفظ الطلب على هذا الجهاز. يرجى المحاولة مرة أخرى."
	msgNetworkError      = "The server could not be reached."
	msgNetworkErrorAR    = "تعذر الوصول إلى الخادم."
	msgNoticeTitle       = "Offline"
	msgNoticeTitleAR     = "غير متصل"
	msgNoticeBody        = "This page is not available offline. It will load again once the connection returns."
	msgNoticeBodyAR      = "هذه الصفحة غير متوفرة دون اتصال. ستعمل مجددا عند عودة الاتصال."
	jsonContentType      = "application/json; charset=utf-8"
	htmlContentType      = "text/html; charset=utf-8"
	annotationOfflineKey = "offline_mode"
	annotationAgeKey     = "cached_minutes_ago"
)

// Response is the normalised result of handling one request
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Source     Source
}

// Write sends the response to the client
func (resp *Response) Write(w http.ResponseWriter, r *http.Request) {
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

// OfflineMode reports whether the response was produced without the network
func (resp *Response) OfflineMode() bool {
	return resp.Header.Get(HeaderOfflineMode) == "true"
}

func jsonResponse(status int, source Source, payload interface{}) *Response {
	body, _ := json.Marshal(payload)
	header := make(http.Header)
	header.Set("Content-Type", jsonContentType)
	header.Set("Cache-Control", "no-store")
	return &Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
		Source:     source,
	}
}

// offlinePayload is returned when nothing servable exists
func offlinePayload() *Response {
	resp := jsonResponse(http.StatusServiceUnavailable, SourceFallback, map[string]interface{}{
		"error":      true,
		"offline":    true,
		"message":    msgOffline,
		"message_ar": msgOfflineAR,
	})
	resp.Header.Set(HeaderOfflineMode, "true")
	return resp
}

// queuedResponse acknowledges a write saved for later replay
func queuedResponse(id string) *Response {
	resp := jsonResponse(http.StatusAccepted, SourceQueued, map[string]interface{}{
		"success":      true,
		"offline_mode": true,
		"offline_id":   id,
		"message":      msgQueued,
		"message_ar":   msgQueuedAR,
	})
	resp.Header.Set(HeaderOfflineMode, "true")
	resp.Header.Set(HeaderOfflineID, id)
	return resp
}

// storageFailedResponse is a plain network error, so the client never
// believes the write was saved
func storageFailedResponse() *Response {
	return jsonResponse(http.StatusBadGateway, SourceFallback, map[string]interface{}{
		"error":               true,
		"offline":             false,
		"storage_unavailable": true,
		"message":             msgStorageFailed,
		"message_ar":          msgStorageFailedAR,
	})
}

func networkErrorResponse() *Response {
	return jsonResponse(http.StatusBadGateway, SourceFallback, map[string]interface{}{
		"error":      true,
		"offline":    true,
		"message":    msgNetworkError,
		"message_ar": msgNetworkErrorAR,
	})
}

// annotateJSON adds offline_mode and cached_minutes_ago to a JSON object
// body. Anything else is returned unchanged.
func annotateJSON(body []byte, minutes int) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return body
	}
	obj[annotationOfflineKey] = json.RawMessage("true")
	obj[annotationAgeKey] = json.RawMessage(strconv.Itoa(minutes))

	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

func isJSON(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.Contains(ct, "+json")
}

var noticeLanguages = language.NewMatcher([]language.Tag{
	language.English,
	language.Arabic,
})

// prefersArabic picks the notice language order from Accept-Language
func prefersArabic(acceptLanguage string) bool {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return false
	}
	tag, _, _ := noticeLanguages.Match(tags...)
	base, _ := tag.Base()
	return base.String() == "ar"
}

type noticeBlock struct {
	Lang  string
	Dir   string
	Title string
	Body  template.HTML
}

var noticeTemplate = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html lang="{{(index . 0).Lang}}" dir="{{(index . 0).Dir}}">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{(index . 0).Title}} / {{(index . 1).Title}}</title>
</head>
<body>
{{range .}}<section lang="{{.Lang}}" dir="{{.Dir}}">
<h1>{{.Title}}</h1>
<p>{{.Body}}</p>
</section>
{{end}}</body>
</html>
`))

// NoticeText overrides the paragraph of the synthesized offline page. It
// may contain basic markup, which is sanitised before use.
type NoticeText struct {
	English string
	Arabic  string
}

type noticeRenderer struct {
	policy *bluemonday.Policy
	text   NoticeText
}

func newNoticeRenderer(text NoticeText) *noticeRenderer {
	if text.English == "" {
		text.English = msgNoticeBody
	}
	if text.Arabic == "" {
		text.Arabic = msgNoticeBodyAR
	}
	return &noticeRenderer{
		policy: bluemonday.UGCPolicy(),
		text:   text,
	}
}

// render builds the minimal bilingual offline page
func (n *noticeRenderer) render(acceptLanguage string) *Response {
	en := noticeBlock{
		Lang:  "en",
		Dir:   "ltr",
		Title: msgNoticeTitle,
		Body:  template.HTML(n.policy.Sanitize(n.text.English)),
	}
	ar := noticeBlock{
		Lang:  "ar",
		Dir:   "rtl",
		Title: msgNoticeTitleAR,
		Body:  template.HTML(n.policy.Sanitize(n.text.Arabic)),
	}

	blocks := []noticeBlock{en, ar}
	if prefersArabic(acceptLanguage) {
		blocks = []noticeBlock{ar, en}
	}

	var buf bytes.Buffer
	noticeTemplate.Execute(&buf, blocks)

	header := make(http.Header)
	header.Set("Content-Type", htmlContentType)
	header.Set("Cache-Control", "no-store")
	header.Set(HeaderOfflineMode, "true")
	return &Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     header,
		Body:       buf.Bytes(),
		Source:     SourceFallback,
	}
}
