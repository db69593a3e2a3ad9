package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"outbound-call-server-golang/internal/app/server"
	log "outbound-call-server-golang/logger"
)

func main() {
	configFile := flag.String("c", "config/config.yaml", "配置文件路径")
	flag.Parse()

	if *configFile == "" {
		fmt.Println("配置文件路径不能为空")
		os.Exit(1)
	}
	if err := Init(*configFile); err != nil {
		os.Exit(1)
	}

	// 根据配置启动pprof服务
	if viper.GetBool("server.pprof.enable") {
		pprofPort := viper.GetInt("server.pprof.port")
		go func() {
			log.Infof("启动pprof服务，端口: %d", pprofPort)
			if err := http.ListenAndServe(fmt.Sprintf(":%d", pprofPort), nil); err != nil {
				log.Errorf("pprof服务启动失败: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	appInstance, err := server.NewApp(ctx)
	cancel()
	if err != nil {
		log.Errorf("初始化失败: %v", err)
		os.Exit(1)
	}
	appInstance.Run()

	// 阻塞监听退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	log.Info("服务器已启动，按 Ctrl+C 退出")
	<-quit

	log.Info("正在关闭服务器...")
	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := appInstance.Shutdown(ctx); err != nil {
		log.Errorf("关闭服务器出错: %v", err)
	}
	log.Info("服务器已关闭")
}
