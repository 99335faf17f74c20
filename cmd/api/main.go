package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kervan/go-commerce-store/internal/config"
	"github.com/kervan/go-commerce-store/internal/database"
	"github.com/kervan/go-commerce-store/internal/metrics"
	"github.com/kervan/go-commerce-store/internal/models"
	"github.com/kervan/go-commerce-store/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	log.Printf("Connected to database successfully")

	m := metrics.NewServerMetrics("api")
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealth(db))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /users", instrument(m, "create_user", handleCreateUser(db)))
	mux.HandleFunc("GET /users", instrument(m, "list_users", handleListUsers(db)))
	mux.HandleFunc("GET /users/{id}", instrument(m, "get_user", handleGetUser(db)))

	mux.HandleFunc("POST /products", instrument(m, "create_product", handleCreateProduct(db)))
	mux.HandleFunc("GET /products", instrument(m, "list_products", handleListProducts(db)))
	mux.HandleFunc("GET /products/{id}", instrument(m, "get_product", handleGetProduct(db)))
	mux.HandleFunc("DELETE /products/{id}", instrument(m, "delete_product", handleDeleteProduct(db)))

	mux.HandleFunc("POST /orders", instrument(m, "create_order", handleCreateOrder(db, m)))
	mux.HandleFunc("GET /orders", instrument(m, "list_orders", handleListOrders(db)))
	mux.HandleFunc("GET /orders/{id}", instrument(m, "get_order", handleGetOrder(db)))
	mux.HandleFunc("POST /orders/{id}/cancel", instrument(m, "cancel_order", handleCancelOrder(db, m)))
	mux.HandleFunc("PUT /orders/{id}/status", instrument(m, "update_order_status", handleUpdateOrderStatus(db, m)))

	mux.HandleFunc("POST /addresses", instrument(m, "create_address", handleCreateAddress(db)))
	mux.HandleFunc("GET /addresses", instrument(m, "list_addresses", handleListAddresses(db)))
	mux.HandleFunc("POST /addresses/{id}/default", instrument(m, "set_default_address", handleSetDefaultAddress(db)))
	mux.HandleFunc("DELETE /addresses/{id}", instrument(m, "delete_address", handleDeleteAddress(db)))

	mux.HandleFunc("POST /payment-methods", instrument(m, "create_payment_method", handleCreatePaymentMethod(db)))
	mux.HandleFunc("GET /payment-methods", instrument(m, "list_payment_methods", handleListPaymentMethods(db)))
	mux.HandleFunc("POST /payment-methods/{id}/default", instrument(m, "set_default_payment_method", handleSetDefaultPaymentMethod(db)))
	mux.HandleFunc("DELETE /payment-methods/{id}", instrument(m, "delete_payment_method", handleDeletePaymentMethod(db)))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("Server starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func instrument(m *metrics.ServerMetrics, name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		m.Requests.WithLabelValues(name, strconv.Itoa(sw.status)).Inc()
		m.LatencyMS.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// callerIdentity reads the authenticated identity forwarded by the gateway.
// Authentication itself happens upstream.
func callerIdentity(r *http.Request) (int64, bool) {
	userID, _ := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	isAdmin := r.Header.Get("X-User-Role") == "admin"
	return userID, isAdmin
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func handleHealth(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleCreateUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		user, err := store.CreateUser(r.Context(), db, req.Email, req.Name)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, user)
	}
}

func handleListUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := pageParams(r)
		result, err := store.ListUsers(r.Context(), db, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid user ID")
			return
		}

		user, err := store.GetUser(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, user)
	}
}

func handleCreateProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SKU         string `json:"sku"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Price       string `json:"price"`
			Stock       int    `json:"stock"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		price, err := decimal.NewFromString(req.Price)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid price")
			return
		}

		product, err := store.CreateProduct(r.Context(), db, req.SKU, req.Name, req.Description, price, req.Stock)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, product)
	}
}

func handleListProducts(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := pageParams(r)
		result, err := store.ListProducts(r.Context(), db, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid product ID")
			return
		}

		product, err := store.GetProduct(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, product)
	}
}

func handleDeleteProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, isAdmin := callerIdentity(r)
		if !isAdmin {
			respondError(w, http.StatusForbidden, "Admin access required")
			return
		}

		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid product ID")
			return
		}

		if err := store.DeactivateProduct(r.Context(), db, id); err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleCreateOrder(db *sql.DB, m *metrics.ServerMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		var req struct {
			ShippingAddressID int64  `json:"shipping_address_id"`
			BillingAddressID  int64  `json:"billing_address_id"`
			PaymentMethodID   int64  `json:"payment_method_id"`
			Notes             string `json:"notes"`
			Items             []struct {
				ProductID int64  `json:"product_id"`
				Quantity  int    `json:"quantity"`
				Discount  string `json:"discount"`
			} `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		var items []store.OrderItemRequest
		for _, item := range req.Items {
			discount := decimal.Zero
			if item.Discount != "" {
				var err error
				discount, err = decimal.NewFromString(item.Discount)
				if err != nil {
					respondError(w, http.StatusBadRequest, "Invalid discount")
					return
				}
			}
			items = append(items, store.OrderItemRequest{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Discount:  discount,
			})
		}

		order, err := store.CreateOrder(r.Context(), db, store.CreateOrderRequest{
			UserID:            userID,
			ShippingAddressID: req.ShippingAddressID,
			BillingAddressID:  req.BillingAddressID,
			PaymentMethodID:   req.PaymentMethodID,
			Notes:             req.Notes,
			Items:             items,
		})
		if err != nil {
			if errors.Is(err, database.ErrInsufficientStock) {
				m.StockRejections.Inc()
			}
			respondStoreError(w, err)
			return
		}

		m.OrdersCreated.Inc()
		respondJSON(w, http.StatusCreated, order)
	}
}

func handleListOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 || limit > 100 {
			limit = 20
		}

		result, err := store.ListOrdersCursor(r.Context(), db, userID, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, isAdmin := callerIdentity(r)
		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid order ID")
			return
		}

		var order *models.Order
		if isAdmin {
			order, err = store.GetOrder(r.Context(), db, id)
		} else {
			order, err = store.GetUserOrder(r.Context(), db, id, userID)
		}
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, order)
	}
}

func handleCancelOrder(db *sql.DB, m *metrics.ServerMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, isAdmin := callerIdentity(r)
		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid order ID")
			return
		}

		order, err := store.CancelOrder(r.Context(), db, id, userID, isAdmin)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		m.OrdersCancelled.Inc()
		respondJSON(w, http.StatusOK, order)
	}
}

func handleUpdateOrderStatus(db *sql.DB, m *metrics.ServerMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, isAdmin := callerIdentity(r)
		if !isAdmin {
			respondError(w, http.StatusForbidden, "Admin access required")
			return
		}

		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid order ID")
			return
		}

		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		status, err := models.ParseOrderStatus(req.Status)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		order, err := store.UpdateOrderStatus(r.Context(), db, id, status)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		if status == models.OrderStatusCancelled {
			m.OrdersCancelled.Inc()
		}
		respondJSON(w, http.StatusOK, order)
	}
}

func handleCreateAddress(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		var req store.CreateAddressRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		address, err := store.CreateAddress(r.Context(), db, userID, req)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, address)
	}
}

func handleListAddresses(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		addresses, err := store.ListAddresses(r.Context(), db, userID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, addresses)
	}
}

func handleSetDefaultAddress(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid address ID")
			return
		}

		address, err := store.SetDefaultAddress(r.Context(), db, userID, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, address)
	}
}

func handleDeleteAddress(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid address ID")
			return
		}

		if err := store.DeleteAddress(r.Context(), db, userID, id); err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleCreatePaymentMethod(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		var req struct {
			Type           string `json:"type"`
			CardHolderName string `json:"card_holder_name"`
			CardNumber     string `json:"card_number"`
			ExpiryMonth    int    `json:"expiry_month"`
			ExpiryYear     int    `json:"expiry_year"`
			BankName       string `json:"bank_name"`
			AccountNumber  string `json:"account_number"`
			IsDefault      bool   `json:"is_default"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		pm, err := store.CreatePaymentMethod(r.Context(), db, userID, store.CreatePaymentMethodRequest{
			Type:           req.Type,
			CardHolderName: req.CardHolderName,
			CardNumber:     req.CardNumber,
			ExpiryMonth:    req.ExpiryMonth,
			ExpiryYear:     req.ExpiryYear,
			BankName:       req.BankName,
			AccountNumber:  req.AccountNumber,
			IsDefault:      req.IsDefault,
		})
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, pm)
	}
}

func handleListPaymentMethods(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		methods, err := store.ListPaymentMethods(r.Context(), db, userID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, methods)
	}
}

func handleSetDefaultPaymentMethod(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid payment method ID")
			return
		}

		pm, err := store.SetDefaultPaymentMethod(r.Context(), db, userID, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, pm)
	}
}

func handleDeletePaymentMethod(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := callerIdentity(r)
		if userID == 0 {
			respondError(w, http.StatusUnauthorized, "Missing user identity")
			return
		}

		id, err := pathID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid payment method ID")
			return
		}

		if err := store.DeletePaymentMethod(r.Context(), db, userID, id); err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrAddressNotFound),
		errors.Is(err, database.ErrPaymentMethodNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrValidation),
		errors.Is(err, database.ErrInvalidAddress),
		errors.Is(err, database.ErrInvalidPaymentMethod):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrInvalidStateTransition),
		errors.Is(err, database.ErrProductInactive),
		errors.Is(err, database.ErrDuplicateSKU),
		errors.Is(err, database.ErrOptimisticLockFailed):
		respondError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("Internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
