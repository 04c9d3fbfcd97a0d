package webhook_test

import (
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/pyrus-bots/escalator/pkg/webhook"
)

var _ = Describe("Router", func() {
	var router http.Handler

	BeforeEach(func() {
		log := logrus.New()
		log.SetLevel(logrus.FatalLevel)

		handler := webhook.NewHandler(newFakeAdmissionStore(), testSecret, testBotID, nil, log)
		router = webhook.NewRouter(handler, log)
	})

	It("serves liveness", func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("serves prometheus metrics", func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("escalator_webhooks_received_total"))
	})

	It("tags responses with a request id", func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		Expect(w.Header().Get("X-Request-Id")).NotTo(BeEmpty())
	})

	It("rejects unsigned webhook posts", func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", nil))

		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})
})
