package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"VoiceInterviewRelay/internal/audio"
	"VoiceInterviewRelay/internal/protocol"
	"VoiceInterviewRelay/internal/wsclient"
)

// 命令行客户端：发起一场面试，可选地上传录音并保存AI回复
func main() {
	var (
		url      = flag.String("url", "ws://localhost:3000/ws", "客户端通道地址")
		phone    = flag.String("phone", "", "被叫号码（E.164）")
		topic    = flag.String("topic", "", "面试主题")
		input    = flag.String("audio", "", "发送的录音文件（WAV或MP3）")
		binary   = flag.Bool("binary", false, "以二进制帧发送录音")
		outDir   = flag.String("out", ".", "AI回复音频保存目录")
		duration = flag.Duration("duration", 2*time.Minute, "最长运行时长")
	)
	flag.Parse()

	if *phone == "" || *topic == "" {
		fmt.Fprintln(os.Stderr, "phone and topic are required")
		flag.Usage()
		os.Exit(2)
	}

	var recording []byte
	var format string
	if *input != "" {
		data, err := os.ReadFile(*input)
		if err != nil {
			log.Fatalf("读取录音失败: %v", err)
		}
		recording = data
		format = audioFormat(data)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithTimeout(ctx, *duration)
	defer cancelRun()

	client := wsclient.New(wsclient.DefaultClientConfig(*url))
	initiated := make(chan string, 1)
	replies := 0

	client.SetStateChangeHandler(func(oldState, newState wsclient.ClientState) {
		log.Printf("连接状态: %s -> %s", oldState, newState)
	})
	client.SetEventHandler(func(e wsclient.Event) {
		switch e.Event {
		case protocol.EventCallInitiated:
			fmt.Printf("📞 interview %s, call %s\n", e.InterviewID, e.CallSID)
			select {
			case initiated <- e.InterviewID:
			default:
			}
		case protocol.EventAIResponse:
			replies++
			name := filepath.Join(*outDir, fmt.Sprintf("reply-%d.%s", replies, extension(e.Format)))
			if err := os.WriteFile(name, e.Audio, 0o644); err != nil {
				log.Printf("保存回复失败: %v", err)
			}
			fmt.Printf("🤖 %s (%d bytes -> %s)\n", e.Text, len(e.Audio), name)
		case protocol.EventError:
			fmt.Printf("❌ %s\n", e.Message)
		}
	})

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer client.Close()

	if err := client.StartInterview(*phone, *topic); err != nil {
		log.Fatalf("发送start_interview失败: %v", err)
	}

	select {
	case id := <-initiated:
		if recording != nil {
			var err error
			if *binary {
				err = client.SendVoiceFrame(protocol.VoiceMeta{InterviewID: id, Topic: *topic, Format: format}, recording)
			} else {
				err = client.SendVoice(id, *topic, recording, format)
			}
			if err != nil {
				log.Printf("发送录音失败: %v", err)
			}
		}
	case <-ctx.Done():
		log.Printf("未收到call_initiated")
		return
	}

	<-ctx.Done()
	log.Printf("客户端统计: %v", client.GetStats())
}

func audioFormat(data []byte) string {
	switch {
	case audio.LooksLikeWAV(data):
		return "wav"
	case audio.LooksLikeMP3(data):
		return "mp3"
	default:
		return ""
	}
}

func extension(format string) string {
	if format == "" {
		return "bin"
	}
	return format
}
