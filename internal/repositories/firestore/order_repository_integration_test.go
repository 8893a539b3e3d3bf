//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quicrefill/api/internal/domain"
	pconfig "github.com/quicrefill/api/internal/platform/config"
	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestOrderRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "orders-test", EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if _, err := client.Collection(servicesCollection).Doc("svc_1").Set(ctx, newServiceDocument(domain.Service{
		ProviderID:   "prov_1",
		Type:         domain.ServiceTypeDiesel,
		PricePerUnit: decimal.NewFromInt(1000),
		RadiusKm:     10,
		Location:     &domain.GeoPoint{Latitude: 6.45, Longitude: 3.39},
		Status:       domain.ServiceStatusActive,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})); err != nil {
		t.Fatalf("seed service: %v", err)
	}

	one := 1
	voucherID := "v_1"
	for i, userID := range []string{"user_a", "user_b"} {
		orderID := fmt.Sprintf("ord_%d", i)
		order := domain.ServiceOrder{
			ID:            orderID,
			UserID:        userID,
			ServiceID:     "svc_1",
			ProviderID:    "prov_1",
			AmountDue:     decimal.RequireFromString("2902.50"),
			DeliveryFee:   decimal.NewFromInt(100),
			PaymentMethod: domain.PaymentMethodWallet,
			PaymentStatus: domain.PaymentStatusPending,
			Status:        domain.OrderStatusPending,
			VoucherID:     &voucherID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err := registry.Orders().Create(ctx, repositories.OrderCreation{
			Order:   order,
			History: domain.OrderStatusHistory{ID: "h_" + orderID, Status: domain.OrderStatusPending, UpdatedBy: userID, CreatedAt: now},
			Voucher: &repositories.VoucherRedemption{
				Usage:   domain.VoucherUsage{ID: "vu_" + orderID, VoucherID: voucherID, UserID: userID, OrderID: orderID, UsedAt: now},
				MaxUses: &one,
			},
		})
		if i == 0 && err != nil {
			t.Fatalf("create first order: %v", err)
		}
		if i == 1 {
			var orderErr *repositories.OrderError
			if !errors.As(err, &orderErr) || orderErr.Code != repositories.OrderErrorVoucherExhausted {
				t.Fatalf("expected voucher exhausted, got %v", err)
			}
		}
	}

	for i := 0; i < 2; i++ {
		if err := registry.Revenue().Apply(ctx, repositories.RevenueIncrement{
			ServiceID:         "svc_1",
			Date:              now.Format(revenueDateLayout),
			Orders:            1,
			RevenueMinor:      290250,
			DeliveryFeesMinor: 10000,
			At:                now,
		}); err != nil {
			t.Fatalf("apply revenue: %v", err)
		}
	}
	rollups, err := registry.Revenue().ListDaily(ctx, "svc_1", now, now)
	if err != nil {
		t.Fatalf("list revenue: %v", err)
	}
	if len(rollups) != 1 || rollups[0].TotalOrders != 2 || !rollups[0].TotalRevenue.Equal(decimal.RequireFromString("5805")) {
		t.Fatalf("unexpected rollups %+v", rollups)
	}

	updated, err := registry.Orders().Mutate(ctx, "ord_0", func(order domain.ServiceOrder, _ *domain.PaymentIntent) (repositories.OrderMutation, error) {
		return repositories.OrderMutation{
			Status:  domain.OrderStatusCancelled,
			History: domain.OrderStatusHistory{ID: "h_cancel", UpdatedBy: order.UserID, CreatedAt: now},
			WalletCredit: &domain.WalletTransaction{
				ID:     "refund_ord_0",
				UserID: order.UserID,
				Type:   domain.WalletTransactionRefund,
				Amount: order.AmountDue,
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if updated.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
	wallet, err := registry.Wallets().FindByUser(ctx, "user_a")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !wallet.Balance.Equal(decimal.RequireFromString("2902.5")) {
		t.Fatalf("expected refunded balance, got %s", wallet.Balance)
	}
	history, err := registry.Orders().History(ctx, "ord_0")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Status != domain.OrderStatusCancelled {
		t.Fatalf("unexpected history %+v", history)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	cmd := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	return id[:min(len(id), 12)]
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
